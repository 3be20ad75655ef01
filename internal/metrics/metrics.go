package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// In-memory counters exported in Prometheus text format at /metrics.
// Values reset on restart.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	submissionsTotal = make(map[string]int64)
	webhooksTotal    = make(map[webhookKey]int64)
	sideChainsTotal  = make(map[chainKey]int64)
	jobsFinalized    = make(map[string]int64)
	jobsReaped       int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type webhookKey struct {
	Status  string
	Outcome string
}

type chainKey struct {
	Chain   string
	Success string
}

// Webhook outcomes.
const (
	WebhookTransitioned = "transitioned"
	WebhookNoop         = "noop"
	WebhookUnknown      = "unknown_render"
	WebhookInvalid      = "invalid"
	WebhookUnauthorized = "unauthorized"
	WebhookStoreError   = "store_error"
)

// Submission outcomes.
const (
	SubmissionAccepted = "accepted"
	SubmissionRejected = "rejected"
	SubmissionUpstream = "upstream_error"
	SubmissionInternal = "internal_error"
)

// RecordRequest increments the request counter and records latency.
// path must be the route pattern, not the raw URL.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	requestsTotal[reqKey{Method: method, Path: path, Status: status}]++
	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

func RecordSubmission(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	submissionsTotal[outcome]++
}

// RecordWebhook counts one status push by its reported status and what the
// reconciler did with it.
func RecordWebhook(status, outcome string) {
	mu.Lock()
	defer mu.Unlock()
	webhooksTotal[webhookKey{Status: status, Outcome: outcome}]++
}

// RecordSideChain counts a best-effort follow-up (cert, audit) after a render completes.
func RecordSideChain(chain string, success bool) {
	mu.Lock()
	defer mu.Unlock()
	sideChainsTotal[chainKey{Chain: chain, Success: boolLabel(success)}]++
}

func RecordJobFinalized(status string) {
	mu.Lock()
	defer mu.Unlock()
	jobsFinalized[status]++
}

func RecordJobsReaped(n int) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	jobsReaped += int64(n)
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	header(&b, "clipforge_http_requests_total", "Total HTTP requests")
	reqKeys := make([]reqKey, 0, len(requestsTotal))
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})
	for _, k := range reqKeys {
		fmt.Fprintf(&b, "clipforge_http_requests_total{method=%q,path=%q,status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	header(&b, "clipforge_http_request_duration_ms_sum", "Total request duration in milliseconds")
	header(&b, "clipforge_http_request_duration_ms_count", "Request count for latency metric")
	latKeys := make([]latKey, 0, len(latencyMsSum))
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})
	for _, k := range latKeys {
		fmt.Fprintf(&b, "clipforge_http_request_duration_ms_sum{method=%q,path=%q} %d\n", k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "clipforge_http_request_duration_ms_count{method=%q,path=%q} %d\n", k.Method, k.Path, latencyMsCount[k])
	}

	header(&b, "clipforge_submissions_total", "Render submissions by outcome")
	for _, outcome := range sortedKeys(submissionsTotal) {
		fmt.Fprintf(&b, "clipforge_submissions_total{outcome=%q} %d\n", outcome, submissionsTotal[outcome])
	}

	header(&b, "clipforge_webhooks_total", "Render status pushes by status and outcome")
	whKeys := make([]webhookKey, 0, len(webhooksTotal))
	for k := range webhooksTotal {
		whKeys = append(whKeys, k)
	}
	sort.Slice(whKeys, func(i, j int) bool {
		if whKeys[i].Status != whKeys[j].Status {
			return whKeys[i].Status < whKeys[j].Status
		}
		return whKeys[i].Outcome < whKeys[j].Outcome
	})
	for _, k := range whKeys {
		fmt.Fprintf(&b, "clipforge_webhooks_total{status=%q,outcome=%q} %d\n", k.Status, k.Outcome, webhooksTotal[k])
	}

	header(&b, "clipforge_side_chains_total", "Best-effort follow-ups after a render completes")
	chKeys := make([]chainKey, 0, len(sideChainsTotal))
	for k := range sideChainsTotal {
		chKeys = append(chKeys, k)
	}
	sort.Slice(chKeys, func(i, j int) bool {
		if chKeys[i].Chain != chKeys[j].Chain {
			return chKeys[i].Chain < chKeys[j].Chain
		}
		return chKeys[i].Success < chKeys[j].Success
	})
	for _, k := range chKeys {
		fmt.Fprintf(&b, "clipforge_side_chains_total{chain=%q,success=%q} %d\n", k.Chain, k.Success, sideChainsTotal[k])
	}

	header(&b, "clipforge_jobs_finalized_total", "Jobs moved to a terminal state by the reconciler")
	for _, status := range sortedKeys(jobsFinalized) {
		fmt.Fprintf(&b, "clipforge_jobs_finalized_total{status=%q} %d\n", status, jobsFinalized[status])
	}

	header(&b, "clipforge_jobs_reaped_total", "Stalled jobs failed by the reaper")
	fmt.Fprintf(&b, "clipforge_jobs_reaped_total %d\n", jobsReaped)

	return b.String()
}

func header(b *strings.Builder, name, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
