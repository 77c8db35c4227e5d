// Package api serves the HTTP surface of the asset pipeline: generation
// requests from producing domains, worker callbacks, finalization and probes.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sehee-xx/EatDa-sub001/internal/assets"
	"github.com/sehee-xx/EatDa-sub001/internal/dispatch"
	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/finalize"
	"github.com/sehee-xx/EatDa-sub001/internal/health"
	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
)

// Deps are the services the router hands requests to.
type Deps struct {
	Store         *assets.Store
	Dispatcher    *dispatch.Dispatcher
	Reconciler    *reconcile.Reconciler
	Finalizer     *finalize.Finalizer
	Schema        *CallbackSchema
	WebhookSecret string
	Gatherer      prometheus.Gatherer
	ReadyChecks   map[string]health.Check
	// TriggerSweep, when set, exposes POST /admin/sweep.
	TriggerSweep  func(trigger string) error
	Logger        *slog.Logger
}

// NewRouter wires every route.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), AccessLog(d.Logger))

	r.GET("/health", gin.WrapF(health.Handler))
	r.GET("/ready", gin.WrapF(health.ReadyHandler(2*time.Second, d.ReadyChecks)))
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	r.POST("/callback", RequireWebhookSecret(d.WebhookSecret), CallbackHandler(d.Reconciler, d.Schema))

	requests := r.Group("/requests")
	{
		requests.POST("/events", CreateRequestHandler[dispatch.EventPayload](d.Dispatcher, envelope.KindEvent))
		requests.POST("/menu-posters", CreateRequestHandler[dispatch.MenuPosterPayload](d.Dispatcher, envelope.KindMenuPoster))
		requests.POST("/reviews", CreateRequestHandler[dispatch.ReviewPayload](d.Dispatcher, envelope.KindReview))
	}

	if d.TriggerSweep != nil {
		r.POST("/admin/sweep", TriggerSweepHandler(d.TriggerSweep))
	}

	a := r.Group("/assets/:id")
	{
		a.GET("", GetAssetHandler(d.Store))
		a.DELETE("", DeleteAssetHandler(d.Store))
		a.POST("/event", FinalizeEventHandler(d.Finalizer))
		a.POST("/menu-poster", FinalizeMenuPosterHandler(d.Finalizer))
		a.POST("/review", FinalizeReviewHandler(d.Finalizer))
	}

	return r
}
