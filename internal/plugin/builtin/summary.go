package builtin

import (
	"fmt"
	"time"

	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
)

// transactionSummary is the common log record shape shared by
// stdout_logging and http_logging: one line per completed transaction.
type transactionSummary struct {
	Timestamp                time.Time     `json:"timestamp"`
	ClientIP                 string        `json:"client_ip"`
	ConsumerID                string        `json:"consumer_id,omitempty"`
	ConsumerUsername          string        `json:"consumer_username,omitempty"`
	HTTPMethod                string        `json:"http_method"`
	RequestPath               string        `json:"request_path"`
	ProxyID                   string        `json:"proxy_id"`
	ProxyName                 string        `json:"proxy_name,omitempty"`
	BackendTargetURL          string        `json:"backend_target_url"`
	StatusCode                int           `json:"status_code"`
	LatencyTotal              time.Duration `json:"latency_total_ms"`
	LatencyGatewayProcessing  time.Duration `json:"latency_gateway_processing_ms"`
	LatencyBackendTTFB        time.Duration `json:"latency_backend_ttfb_ms"`
	LatencyBackendTotal       time.Duration `json:"latency_backend_total_ms"`
	UserAgent                 string        `json:"user_agent,omitempty"`
}

func buildTransactionSummary(ctx *plugin.RequestContext, resp *plugin.BackendResponse) transactionSummary {
	proxy := ctx.Proxy
	backendTargetURL := fmt.Sprintf("%s://%s:%d", proxy.BackendProtocol, proxy.BackendHost, proxy.BackendPort)
	if proxy.BackendPath != nil {
		backendTargetURL += *proxy.BackendPath
	}

	proxyName := ""
	if proxy.Name != nil {
		proxyName = *proxy.Name
	}

	summary := transactionSummary{
		Timestamp:               time.Now(),
		ClientIP:                ctx.ClientIP,
		HTTPMethod:               ctx.Request.Method,
		RequestPath:              ctx.Request.URL.Path,
		ProxyID:                  proxy.ID,
		ProxyName:                proxyName,
		BackendTargetURL:         backendTargetURL,
		LatencyTotal:             ctx.Latency.Total,
		LatencyGatewayProcessing: ctx.Latency.GatewayProcessing,
		LatencyBackendTTFB:       ctx.Latency.BackendTTFB,
		LatencyBackendTotal:      ctx.Latency.BackendTotal,
		UserAgent:                ctx.Request.UserAgent(),
	}
	if resp != nil {
		summary.StatusCode = resp.StatusCode
	}
	if ctx.Consumer != nil {
		summary.ConsumerID = ctx.Consumer.ID
		summary.ConsumerUsername = ctx.Consumer.Username
	}
	return summary
}
