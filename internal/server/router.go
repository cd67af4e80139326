package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/botkeeper/internal/manager"
	"github.com/loykin/botkeeper/internal/process"
)

// StatusSource reports the supervision state. *manager.Manager implements it.
type StatusSource interface {
	Status() mng.Status
}

// Router provides the read-only supervision API.
// Endpoints:
//
//	GET {basePath}/status    query: tier=... (optional, single tier)
//	GET {basePath}/healthz
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	basePath string
	usage    func(ctx context.Context, pid int) (process.Usage, error)
}

// NewRouter constructs a new Router with configurable basePath.
// gin runs in release mode unless GIN_MODE selects otherwise.
func NewRouter(src StatusSource, basePath string) *Router {
	if os.Getenv(gin.EnvGinMode) == "" && gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Router{src: src, basePath: sanitizeBase(basePath), usage: process.ReadUsage}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealthz)
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type tierView struct {
	mng.TierStatus
	Usage *process.Usage `json:"usage,omitempty"`
}

type statusResp struct {
	Current  string     `json:"current"`
	Finished bool       `json:"finished"`
	Outcome  string     `json:"outcome,omitempty"`
	Tiers    []tierView `json:"tiers"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.src == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "supervision not started"})
		return
	}
	tier := c.Query("tier")
	if tier != "" && !isSafeName(tier) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid tier"})
		return
	}

	st := r.src.Status()
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	views := make([]tierView, 0, len(st.Tiers))
	for _, t := range st.Tiers {
		v := tierView{TierStatus: t}
		if t.Running && t.PID > 0 {
			if u, err := r.usage(ctx, t.PID); err == nil {
				v.Usage = &u
			}
		}
		if tier == "" {
			views = append(views, v)
			continue
		}
		if t.Tier == tier {
			writeJSON(c, http.StatusOK, v)
			return
		}
	}
	if tier != "" {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown tier " + tier})
		return
	}
	writeJSON(c, http.StatusOK, statusResp{Current: st.Current, Finished: st.Finished, Outcome: st.Outcome, Tiers: views})
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
