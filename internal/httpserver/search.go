package httpserver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

type searchLimits struct {
	MaxHits  int
	MaxFiles int
}

var defaultSearchLimits = searchLimits{MaxHits: 500, MaxFiles: 200_000}

type searchHit struct {
	Rel  string
	Info os.FileInfo
}

type searchResult struct {
	Hits      []searchHit
	Seen      int
	Truncated bool
	Reason    string // "maxHits" | "maxFiles" | "canceled"
}

// searchTree walks baseAbs breadth first looking for entries whose name
// contains q (case-insensitive). Hidden directories are scanned after
// everything else and symlinked directories are never entered.
func searchTree(ctx context.Context, baseAbs, baseRel, q string, lim searchLimits) searchResult {
	type node struct {
		abs string
		rel string
	}
	var res searchResult
	qlow := strings.ToLower(q)
	normal := []node{{abs: baseAbs, rel: baseRel}}
	var hidden []node

	stop := func(reason string) searchResult {
		res.Truncated = true
		res.Reason = reason
		return res
	}

	for len(normal) > 0 || len(hidden) > 0 {
		if ctx.Err() != nil {
			return stop("canceled")
		}
		var n node
		if len(normal) > 0 {
			n, normal = normal[0], normal[1:]
		} else {
			n, hidden = hidden[0], hidden[1:]
		}

		ents, err := os.ReadDir(n.abs)
		if err != nil {
			continue
		}
		for _, e := range ents {
			res.Seen++
			if res.Seen > lim.MaxFiles {
				return stop("maxFiles")
			}
			name := e.Name()
			rel := joinRel(n.rel, name)
			if strings.Contains(strings.ToLower(name), qlow) {
				if info, err := e.Info(); err == nil {
					res.Hits = append(res.Hits, searchHit{Rel: rel, Info: info})
					if len(res.Hits) >= lim.MaxHits {
						return stop("maxHits")
					}
				}
			}
			if e.IsDir() && e.Type()&os.ModeSymlink == 0 {
				child := node{abs: filepath.Join(n.abs, name), rel: rel}
				if strings.HasPrefix(name, ".") {
					hidden = append(hidden, child)
				} else {
					normal = append(normal, child)
				}
			}
		}
	}
	return res
}
