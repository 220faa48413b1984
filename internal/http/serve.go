package httpx

import (
	"errors"
	"io"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/splax/buildflow/internal/domain"
	"github.com/splax/buildflow/internal/storage"
)

const indexDocument = "index.html"

// servedDeployment extracts the deployment id from a {id}.{servingDomain} host.
func (r *Router) servedDeployment(host string) (string, bool) {
	if r.servingDomain == "" || r.objects == nil {
		return "", false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	label, ok := strings.CutSuffix(host, "."+r.servingDomain)
	if !ok || label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

// serveArtifact answers from storage once the deployment is deployed. Hosts that name no known
// deployment never reach here and fall through to the API routes.
func (r *Router) serveArtifact(w http.ResponseWriter, req *http.Request, id string, status *domain.Status) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		r.methodNotAllowed(w)
		return
	}
	if status == nil || *status != domain.StatusDeployed {
		r.notFound(w)
		return
	}

	rel := path.Clean("/" + req.URL.Path)
	if strings.HasSuffix(req.URL.Path, "/") || rel == "/" {
		rel = path.Join(rel, indexDocument)
	}
	key := storage.Key(id, strings.TrimPrefix(rel, "/"))
	body, err := r.objects.Get(req.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			r.notFound(w)
			return
		}
		r.logger.Error("artifact read failed", "deployment_id", id, "key", key, "error", err)
		writeError(w, http.StatusBadGateway, "artifact unavailable")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", storage.ContentType(rel))
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		r.logger.Warn("artifact write interrupted", "deployment_id", id, "key", key, "error", err)
	}
}
