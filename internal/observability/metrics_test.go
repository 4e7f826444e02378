package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/trilink/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("linkd-a", "GET", "/healthz", 200, 12*time.Millisecond)
	RecordLinkOpened("linkd-a.command", "command")
	RecordLinkClosed("linkd-a.command", "command", "eof")
	RecordAdmissionRejected("linkd-a", "accept_bucket")
	RecordPackage("linkd-a.message", "message", "in", 42)
	RecordHeartbeatIdle("linkd-a.file", "file", "teardown")
	RecordReconnect("linkctl", true)
	RecordPendingExpired("linkd-a", 2)
	RecordDispatch("linkd-a.command", "read", time.Millisecond)

	if got := testutil.ToFloat64(linksActive.WithLabelValues("linkd-a.command", "command")); got != 0 {
		t.Fatalf("active gauge should return to zero, got %v", got)
	}
	if got := testutil.ToFloat64(packageBytes.WithLabelValues("linkd-a.message", "message", "in")); got < 42 {
		t.Fatalf("payload bytes not recorded: %v", got)
	}
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestLogger(testlog.Start(t)), RequestMetricsMiddleware("mw-test"))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", "GET", "/ping", "200")); got != 1 {
		t.Fatalf("request not counted: %v", got)
	}
}
