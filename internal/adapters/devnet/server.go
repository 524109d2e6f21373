package devnet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"marketrun/internal/adapters/wire"
	"marketrun/internal/logging"
	"marketrun/internal/market"
	"marketrun/internal/order"
)

// NewRouter 以 HTTP/JSON 暴露账本：订单簿、结算与结果存储共用一个服务。
func NewRouter(l *Ledger, log logging.Logger) *gin.Engine {
	log = logging.Default(log)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "devnet"})
	})

	r.POST(wire.OrdersPath, func(c *gin.Context) {
		var o market.Order
		if err := c.ShouldBindJSON(&o); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		h, err := l.Publish(o)
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		c.JSON(http.StatusCreated, wire.PublishResponse{OrderHash: h})
	})

	r.GET(wire.OrdersPath, func(c *gin.Context) {
		f, err := wire.ParseFilter(c.Request.URL.Query())
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		orders := l.Query(f)
		if orders == nil {
			orders = []market.Order{}
		}
		c.JSON(http.StatusOK, wire.OrdersResponse{Orders: orders})
	})

	r.POST(wire.DealsPath, func(c *gin.Context) {
		var m wire.MatchRequest
		if err := c.ShouldBindJSON(&m); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		deal, err := l.SubmitMatch(c.Request.Context(), m.Tuple())
		if err != nil {
			matchError(c, err)
			return
		}
		c.JSON(http.StatusCreated, deal)
	})

	r.GET(wire.DealsPath, func(c *gin.Context) {
		h, err := market.ParseHash(c.Query("request"))
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		deals, err := l.DealsByRequest(c.Request.Context(), h)
		if err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
		if deals == nil {
			deals = []market.Deal{}
		}
		c.JSON(http.StatusOK, wire.DealsResponse{Deals: deals})
	})

	r.GET(wire.TasksPath+":taskId", func(c *gin.Context) {
		id, err := market.ParseHash(c.Param("taskId"))
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		st, err := l.TaskStatus(c.Request.Context(), id)
		if err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	r.GET(wire.ResultsPath+":taskId", func(c *gin.Context) {
		id, err := market.ParseHash(c.Param("taskId"))
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		data, err := l.Result(c.Request.Context(), id)
		switch {
		case errors.Is(err, ErrUnknownTask), errors.Is(err, market.ErrResultNotReady):
			abort(c, http.StatusNotFound, err)
		case err != nil:
			abort(c, http.StatusInternalServerError, err)
		default:
			c.Data(http.StatusOK, "application/zip", data)
		}
	})

	return r
}

func matchError(c *gin.Context, err error) {
	var race *market.RaceError
	var inc *market.IncompatibleError
	switch {
	case errors.As(err, &race):
		h := race.OrderHash
		c.AbortWithStatusJSON(http.StatusConflict, wire.ErrorResponse{Error: err.Error(), Kind: race.Kind, OrderHash: &h})
	case errors.As(err, &inc):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, wire.ErrorResponse{Error: err.Error(), Violations: inc.Violations})
	case errors.Is(err, ErrUnknownOrder):
		abort(c, http.StatusNotFound, err)
	case errors.Is(err, ErrUnsigned), errors.Is(err, order.ErrBadSignature):
		abort(c, http.StatusBadRequest, err)
	default:
		abort(c, http.StatusInternalServerError, err)
	}
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, wire.ErrorResponse{Error: err.Error()})
}

func requestLogger(log logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		switch {
		case status >= 500:
			log.Errorf("%s %s -> %d (%s)", c.Request.Method, path, status, time.Since(start))
		case status >= 400:
			log.Warnf("%s %s -> %d (%s)", c.Request.Method, path, status, time.Since(start))
		default:
			log.Infof("%s %s -> %d (%s)", c.Request.Method, path, status, time.Since(start))
		}
	}
}
