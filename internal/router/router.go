package router

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"fulfillment/internal/fulfillment"
	"fulfillment/internal/middleware"
	"fulfillment/internal/notify"
	rediskey "fulfillment/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const confirmLockTTL = 30 * time.Second

type Deps struct {
	Service *fulfillment.Service

	// Hub feeds the SSE endpoint; nil disables it.
	Hub *notify.Hub

	// Redis enables rate limiting and the confirm guard; may be nil.
	Redis      *rd.Client
	RateLimit  int
	RateWindow time.Duration
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.Use(middleware.Identity())
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	svc := d.Service
	limit := func(scope string) gin.HandlerFunc {
		if d.Redis == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RedisRateLimit(d.Redis, scope, d.RateLimit, d.RateWindow)
	}
	staff := middleware.RequireRole(middleware.RoleOperator, middleware.RoleAdmin)

	api := r.Group("/api")
	// Products
	api.GET("/products", listProducts(svc))
	api.POST("/products", staff, createProduct(svc))
	// Orders
	api.POST("/orders/checkout", limit("checkout"), checkout(svc))
	api.POST("/orders/confirm", limit("confirm"), confirmOrder(svc, d.Redis))
	api.GET("/orders/:id", getOrder(svc))
	api.PATCH("/orders/:id", staff, updateSupport(svc))
	api.PUT("/orders/:id/tokens", staff, updateTokens(svc))
	api.POST("/orders/:id/otp",
		middleware.RequireRole(middleware.RoleAgent, middleware.RoleOperator, middleware.RoleAdmin), verifyOTP(svc))
	api.GET("/tracking/:identity", track(svc))
	// Delivery agents
	agents := api.Group("/agents", staff)
	agents.POST("", createAgent(svc))
	agents.GET("", listAgents(svc))
	agents.PATCH("/:id", updateAgent(svc))
	agents.DELETE("/:id", deleteAgent(svc))
	agents.POST("/:id/assign", assign(svc))
	agents.DELETE("/:id/units/:identity", retract(svc))

	if d.Hub != nil {
		api.GET("/events", streamEvents(d.Hub))
	}
}

// writeError 将领域错误映射为 HTTP 状态码。
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var (
		integrity *fulfillment.PaymentIntegrityError
		stock     *fulfillment.StockUnavailableError
		missing   *fulfillment.NotFoundError
	)
	switch {
	case errors.As(err, &integrity), errors.As(err, &stock):
		status = http.StatusBadRequest
	case errors.As(err, &missing):
		status = http.StatusNotFound
	case errors.Is(err, fulfillment.ErrInvalidOTP),
		errors.Is(err, fulfillment.ErrInvalidIdentity),
		errors.Is(err, fulfillment.ErrInvalidInput),
		errors.Is(err, fulfillment.ErrEmptyCart):
		status = http.StatusBadRequest
	case errors.Is(err, fulfillment.ErrNotPaid):
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"code": status, "msg": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": msg})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

func listProducts(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.ListProducts(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, list)
	}
}

func createProduct(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fulfillment.ProductInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		p, err := svc.CreateProduct(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, p)
	}
}

// checkout 发起支付：登录用户的身份优先于 body 中的 customer.id。
func checkout(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fulfillment.CheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if caller, found := middleware.CallerFrom(c); found {
			if id, err := strconv.ParseUint(caller.ID, 10, 32); err == nil {
				req.Customer.ID = uint(id)
			}
		}
		res, err := svc.Checkout(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, res)
	}
}

// confirmOrder 支付回调确认。启用 Redis 时同一支付单号并发确认只放行一个，
// 其余直接 409，由客户端重试拿到幂等结果。
func confirmOrder(svc *fulfillment.Service, rdb *rd.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fulfillment.ConfirmRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ctx := c.Request.Context()
		if rdb != nil {
			owner := uuid.NewString()
			got, err := rediskey.AcquireConfirmLock(ctx, rdb, req.PaymentOrderHandle, owner, confirmLockTTL)
			switch {
			case err != nil:
				log.Warn().Err(err).Msg("confirm lock unavailable, relying on row locks")
			case !got:
				c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": "confirmation already in progress"})
				return
			default:
				defer func() {
					if err := rediskey.ReleaseConfirmLock(context.WithoutCancel(ctx), rdb, req.PaymentOrderHandle, owner); err != nil {
						log.Warn().Err(err).Str("payment_order_handle", req.PaymentOrderHandle).Msg("release confirm lock")
					}
				}()
			}
		}

		res, err := svc.Confirm(ctx, req)
		if err != nil {
			writeError(c, err)
			return
		}
		msg := "confirmed"
		if len(res.Failed) > 0 {
			msg = "confirmed; some tracking tokens failed and were queued for retry"
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": msg, "data": res})
	}
}

func getOrder(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		view, err := svc.GetOrder(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, view)
	}
}

func updateSupport(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req fulfillment.SupportUpdate
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		order, err := svc.UpdateOrderSupport(c.Request.Context(), id, req)
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, order)
	}
}

func updateTokens(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req struct {
			Updates []fulfillment.TokenUpdate `json:"updates" binding:"required,min=1,dive"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		report, err := svc.UpdateTokenStatuses(c.Request.Context(), id, req.Updates)
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, report)
	}
}

func verifyOTP(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req struct {
			Code string `json:"code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		order, err := svc.VerifyOTP(c.Request.Context(), id, req.Code)
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, gin.H{"order_id": order.ID, "status": order.Status})
	}
}

func track(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.Track(c.Request.Context(), c.Param("identity"))
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, view)
	}
}

func createAgent(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fulfillment.AgentInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		a, err := svc.CreateAgent(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, a)
	}
}

func listAgents(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		views, err := svc.ListAgents(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, views)
	}
}

func updateAgent(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req fulfillment.AgentUpdate
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		a, err := svc.UpdateAgent(c.Request.Context(), id, req)
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, a)
	}
}

func deleteAgent(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		if err := svc.DeleteAgent(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		ok(c, gin.H{"agent_id": id})
	}
}

func assign(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		var req struct {
			CandidateUnits []fulfillment.CandidateUnit `json:"candidate_units" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := svc.Assign(c.Request.Context(), id, req.CandidateUnits)
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, res)
	}
}

func retract(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "id")
		if !valid {
			return
		}
		res, err := svc.Retract(c.Request.Context(), id, c.Param("identity"))
		if err != nil {
			writeError(c, err)
			return
		}
		ok(c, res)
	}
}

// streamEvents 以 SSE 推送通知；观察者过慢时事件会被丢弃。
func streamEvents(hub *notify.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, cancel := hub.Subscribe()
		defer cancel()
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("Content-Type", "text/event-stream")
		// 先把响应头刷出去，客户端不必等到第一条事件
		c.Status(http.StatusOK)
		c.Writer.Flush()
		c.Stream(func(w io.Writer) bool {
			select {
			case ev, open := <-events:
				if !open {
					return false
				}
				c.SSEvent(ev.Name, ev)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}
