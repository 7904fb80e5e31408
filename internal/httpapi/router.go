package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Router 汇聚设备侧与家长侧 Handler
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

// NewRouter 注册全部路由
func NewRouter(
	deviceHandler *DeviceHandler,
	commandHandler *CommandHandler,
	parentDeviceHandler *ParentDeviceHandler,
	locationHandler *LocationHandler,
	alertHandler *AlertHandler,
	logger *zap.Logger,
) *Router {
	mux := http.NewServeMux()

	mux.Handle("/device/api/v1/", deviceHandler)
	mux.Handle("/parent/api/v1/commands/", commandHandler)
	mux.Handle("/parent/api/v1/alerts", alertHandler)
	mux.Handle("/parent/api/v1/alerts/", alertHandler)

	// /parent/api/v1/devices 前缀按尾段分流：
	// .../commands -> 指令, .../locations -> 位置, 其余 -> 设备管理
	deviceScoped := func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/commands"):
			commandHandler.ServeHTTP(w, r)
		case strings.HasSuffix(path, "/locations"), strings.HasSuffix(path, "/locations/latest"):
			locationHandler.ServeHTTP(w, r)
		default:
			parentDeviceHandler.ServeHTTP(w, r)
		}
	}
	mux.HandleFunc("/parent/api/v1/devices", deviceScoped)
	mux.HandleFunc("/parent/api/v1/devices/", deviceScoped)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]any{
			"status": "ok",
			"time":   time.Now().Unix(),
		}))
	})

	return &Router{mux: mux, logger: logger}
}

// ServeHTTP 记录访问日志并分发请求
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rt.mux.ServeHTTP(w, r)
	rt.logger.Debug("HTTP request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Duration("duration", time.Since(start)),
	)
}
