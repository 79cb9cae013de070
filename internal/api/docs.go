// ABOUTME: Serves the embedded API reference as HTML, rendered from
// ABOUTME: markdown with goldmark at request time.

package api

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/http"

	"github.com/yuin/goldmark"
)

//go:embed API.md
var apiReference []byte

const docsShell = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>warden API</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; line-height: 1.6;
       max-width: 52rem; margin: 2rem auto; padding: 0 1rem; color: #1f2328; }
code, pre { font-family: ui-monospace, "SF Mono", Menlo, monospace;
            background: #f6f8fa; border-radius: 4px; }
code { padding: 0.1em 0.3em; }
pre { padding: 0.8em 1em; overflow-x: auto; }
pre code { padding: 0; background: none; }
h1, h2 { border-bottom: 1px solid #d1d9e0; padding-bottom: 0.3em; }
table { border-collapse: collapse; }
th, td { border: 1px solid #d1d9e0; padding: 0.4em 0.8em; }
</style>
</head>
<body>
%s
</body>
</html>
`

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := goldmark.Convert(apiReference, &buf); err != nil {
		s.logger.Error("rendering API reference", "error", err)
		http.Error(w, "failed to render documentation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, docsShell, buf.String())
}
