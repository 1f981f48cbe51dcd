// Package admin serves the operator HTTP surface: health, orders,
// balances, cancel-all and prometheus metrics.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// Engine is the part of *order.Usecase the admin surface reads and drives.
type Engine interface {
	Exchanges() []string
	Health() map[string]enum.Health
	Halted(exchange string) bool
	Orders(exchange string) []adapter.Order
	Order(id string) (adapter.Order, bool)
	Balances(exchange string) []adapter.Balance
	CancelAll(ctx context.Context, exchange string) error
}

// KillSwitch is the part of *risk.Guard operators toggle.
type KillSwitch interface {
	KillSwitch() bool
	SetKillSwitch(on bool)
}

type killSwitchBody struct {
	Enabled *bool `json:"enabled"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type exchangeHealth struct {
	Health enum.Health `json:"health"`
	Halted bool        `json:"halted"`
}

type Server struct {
	engine Engine
	router *gin.Engine
	risk   KillSwitch
}

// New wires the routes. A nil gatherer serves the default prometheus
// registry.
func New(engine Engine, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logs.Debugf("admin request, method: %s, path: %s, status: %d, latency: %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	})

	s := &Server{engine: engine, router: g}
	g.GET("/health", s.health)
	g.GET("/orders", s.orders)
	g.GET("/orders/:id", s.order)
	g.GET("/balances", s.balances)
	g.POST("/exchanges/:exchange/cancel-all", s.cancelAll)
	g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return s
}

// WithKillSwitch serves GET and PUT /risk/kill-switch.
func (s *Server) WithKillSwitch(k KillSwitch) *Server {
	s.risk = k
	s.router.GET("/risk/kill-switch", s.killSwitch)
	s.router.PUT("/risk/kill-switch", s.setKillSwitch)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	logs.Infof("admin listening, addr: %s", addr)

	select {
	case err := <-errc:
		return errors.Wrap(err, "serve admin")
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return errors.Wrap(err, "shutdown admin")
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	health := s.engine.Health()
	result := make(map[string]exchangeHealth, len(health))
	status := http.StatusOK
	for exchange, h := range health {
		halted := s.engine.Halted(exchange)
		result[exchange] = exchangeHealth{Health: h, Halted: halted}
		if h != enum.HealthHealthy || halted {
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, result)
}

func (s *Server) orders(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Orders(c.Query("exchange")))
}

func (s *Server) order(c *gin.Context) {
	o, ok := s.engine.Order(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, apiError{Code: exception.KindUnknownOrder.String(), Message: "order not found"})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) balances(c *gin.Context) {
	exchange := c.Query("exchange")
	if exchange != "" {
		c.JSON(http.StatusOK, s.engine.Balances(exchange))
		return
	}

	result := make([]adapter.Balance, 0)
	for _, exchange := range s.engine.Exchanges() {
		result = append(result, s.engine.Balances(exchange)...)
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) cancelAll(c *gin.Context) {
	exchange := c.Param("exchange")
	if err := s.engine.CancelAll(c.Request.Context(), exchange); err != nil {
		logs.Warnf("cancel all, exchange: %s, err: %+v", exchange, err)
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) killSwitch(c *gin.Context) {
	enabled := s.risk.KillSwitch()
	c.JSON(http.StatusOK, killSwitchBody{Enabled: &enabled})
}

func (s *Server) setKillSwitch(c *gin.Context) {
	var body killSwitchBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		c.JSON(http.StatusBadRequest, apiError{Code: exception.KindInvalidRequest.String(), Message: "body must be {\"enabled\": bool}"})
		return
	}
	s.risk.SetKillSwitch(*body.Enabled)
	logs.Warnf("kill switch set, enabled: %t", *body.Enabled)
	s.killSwitch(c)
}

func (s *Server) fail(c *gin.Context, err error) {
	kind := exception.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case exception.KindInvalidRequest:
		status = http.StatusBadRequest
	case exception.KindUnknownOrder:
		status = http.StatusNotFound
	case exception.KindRateLimited:
		status = http.StatusTooManyRequests
	case exception.KindConnectorUnavailable, exception.KindAckTimeout:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, apiError{Code: kind.String(), Message: err.Error()})
}
