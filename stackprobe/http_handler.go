package stackprobe

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/stackprobe-dev/stackprobe-go/host"
)

// HttpHandler returns a handler that renders the engine's state and lets
// sampling be started and stopped from a browser.
func (e *Engine) HttpHandler() http.Handler {
	return httpHandler{e: e}
}

type httpHandler struct {
	e *Engine
}

func (h httpHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// GETs render the current state of the engine.
	if req.Method == http.MethodGet {
		h.handleGet(w)
		return
	}

	if err := req.ParseForm(); err != nil {
		h.e.cfg.errorLogger(fmt.Errorf("failed to parse form: %w", err))
		return
	}

	if _, ok := req.Form["start"]; ok {
		if err := h.e.Start(); err != nil {
			h.e.cfg.errorLogger(fmt.Errorf("failed to start sampling: %w", err))
		}
		h.handleGet(w)
		return
	}

	if _, ok := req.Form["stop"]; ok {
		if err := h.e.Stop(); err != nil {
			h.e.cfg.errorLogger(fmt.Errorf("failed to stop sampling: %w", err))
		}
		h.handleGet(w)
		return
	}

	h.e.cfg.errorLogger(fmt.Errorf("invalid POST: missing start/stop"))
}

func (h httpHandler) handleGet(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)

	stats := h.e.Stats()
	var color string
	switch stats.Status {
	case Running:
		color = "green"
	case Installed:
		color = "orange"
	default:
		color = "red"
	}

	sb := strings.Builder{}
	sb.WriteString(`<html>
<head>
	<title>Stackprobe engine</title>
	<style>
	.circle {
		height: 21px;
		width: 21px;
		border-radius: 50%;
		display: inline-block;
	}
	</style>
</head>
<body>
<h1>Stackprobe engine</h1>
<form action="" method="POST">
<div style="
	display:grid;
	gap:3px;
	grid-template-columns: 12em 20em;
	margin-bottom: 10px;"
	>
`)
	sb.WriteString(fmt.Sprintf(`
<div>Engine status:</div>
<div style="display:flex; flex-direction:row; align-items:center; gap:3px">
	<div class="circle" style="background-color:%s;"></div>
	<span>%s</span>
</div>`, color, stats.Status))
	sb.WriteString(fmt.Sprintf("<div>Engine id:</div><div>%s</div>", h.e.ID()))
	sb.WriteString(fmt.Sprintf("<div>Sampling interval:</div><div>%s</div>", h.e.cfg.interval))
	sb.WriteString(fmt.Sprintf("<div>Registered threads:</div><div>%d</div>", stats.Threads))
	sb.WriteString(fmt.Sprintf("<div>Broadcast rounds:</div><div>%d</div>", stats.Broadcasts))
	sb.WriteString(fmt.Sprintf("<div>Signals sent:</div><div>%d</div>", stats.SignalsSent))
	sb.WriteString(fmt.Sprintf("<div>Unreachable threads:</div><div>%d</div>", stats.Unreachable))

	startAttribute, stopAttribute := "", ""
	if stats.Status != Installed {
		startAttribute = "disabled"
	}
	if stats.Status != Running {
		stopAttribute = "disabled"
	}

	sb.WriteString(fmt.Sprintf(`
</div>
<input type="submit" value="Start" name="start" %s/>
<input type="submit" value="Stop" name="stop" %s/>
</form>
`, startAttribute, stopAttribute))

	sb.WriteString(`<h2>Threads</h2>
<table border="1" cellpadding="4">
<tr><th>thread</th><th>sampling</th><th>samples</th><th>start trace</th><th>start frame</th><th>skipped (collector)</th><th>skipped (signal)</th><th>skipped (capacity)</th></tr>
`)
	h.e.threads.Walk(func(id host.ThreadID) {
		v, ok := h.e.probes.Load(id)
		if !ok {
			return
		}
		st := v.(*probe).buf.Stats()
		sb.WriteString(fmt.Sprintf(
			"<tr><td>%d</td><td>%t</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td></tr>\n",
			id, st.Enabled, st.Count, st.StartTraceIndex, st.StartFrameIndex,
			st.SkippedCollector, st.SkippedSignal, st.SkippedCapacity))
	})
	sb.WriteString(`</table>
</body>
</html>`)

	if _, err := w.Write([]byte(sb.String())); err != nil {
		h.e.cfg.errorLogger(fmt.Errorf("failed to write response: %w", err))
	}
}
