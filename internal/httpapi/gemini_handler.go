package httpapi

import (
	"io"
	"net/http"
	"strings"

	"kiroproxy/internal/apierr"
	"kiroproxy/internal/orchestrator"
	"kiroproxy/internal/translator"
	"kiroproxy/internal/upstream"
)

// handleGeminiGenerate serves POST /v1/models/{model}:generateContent and
// its :streamGenerateContent variant (also under /v1beta).
func (d *Dependencies) handleGeminiGenerate(w http.ResponseWriter, r *http.Request) {
	model, stream, ok := parseGeminiPath(r.URL.Path)
	if !ok {
		writeGeminiError(w, http.StatusNotFound, "unknown path")
		return
	}
	if r.Method != http.MethodPost {
		writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeGeminiError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	req, err := translator.ParseGeminiRequest(body)
	if err != nil {
		writeGeminiError(w, http.StatusBadRequest, err.Error())
		return
	}
	treq, err := req.ToRequest(model, stream)
	if err != nil {
		writeGeminiError(w, http.StatusBadRequest, err.Error())
		return
	}

	flow := d.Orchestrator.NewFlow("gemini", model, treq.UpstreamModel)

	disp, err := d.Orchestrator.Dispatch(r.Context(), treq, flow)
	if err != nil {
		kind := apierr.KindOf(err)
		if kind == apierr.KindClientCancelled {
			flow.Cancel()
			return
		}
		flow.Fail(kind)
		writeGeminiError(w, kind.HTTPStatus(), err.Error())
		return
	}
	defer disp.Release()

	if stream {
		d.streamGemini(w, r, disp, flow)
	} else {
		d.completeGemini(w, r, disp, flow)
	}
}

func (d *Dependencies) streamGemini(w http.ResponseWriter, r *http.Request,
	disp *orchestrator.Dispatch, flow *orchestrator.Flow) {

	sse := newSSEWriter(w)
	if sse == nil {
		flow.Fail(apierr.KindInternal)
		writeGeminiError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	tr := translator.NewGeminiStream()
	var outputChars, inputTokens int64

	for !tr.Done() {
		ev, err := disp.Stream.Next()
		if err != nil {
			if r.Context().Err() != nil {
				flow.Cancel()
				return
			}
			sse.data(translator.GeminiStreamErrorFragment("upstream stream interrupted"))
			flow.Fail(apierr.KindNetwork)
			return
		}
		if ev.Type == upstream.EventError {
			kind := d.Orchestrator.ReportMidStreamFailure(disp.AccountID, 0, ev.ErrorPayload)
			sse.data(translator.GeminiStreamErrorFragment(string(kind)))
			flow.Fail(kind)
			return
		}
		if ev.Type == upstream.EventMetadata {
			inputTokens = ev.InputTokens
		}
		outputChars += int64(len(ev.Text))

		fragments, terr := tr.Translate(ev)
		if terr != nil {
			sse.data(translator.GeminiStreamErrorFragment(terr.Error()))
			flow.Fail(apierr.KindProtocolTranslation)
			return
		}
		for _, frag := range fragments {
			if !sse.data(frag) {
				flow.Cancel()
				return
			}
		}
	}

	flow.Complete(inputTokens, (outputChars+3)/4)
}

func (d *Dependencies) completeGemini(w http.ResponseWriter, r *http.Request,
	disp *orchestrator.Dispatch, flow *orchestrator.Flow) {

	body, usage, err := translator.AggregateGemini(disp.Stream.Next)
	if err != nil {
		d.failAggregate(w, r, disp, flow, err, writeGeminiError)
		return
	}

	flow.Complete(usage.InputTokens, usage.OutputTokens)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// parseGeminiPath extracts the model name and streaming flag from
// /v1/models/{model}:generateContent style paths.
func parseGeminiPath(path string) (model string, stream bool, ok bool) {
	rest := ""
	switch {
	case strings.HasPrefix(path, "/v1/models/"):
		rest = strings.TrimPrefix(path, "/v1/models/")
	case strings.HasPrefix(path, "/v1beta/models/"):
		rest = strings.TrimPrefix(path, "/v1beta/models/")
	default:
		return "", false, false
	}

	switch {
	case strings.HasSuffix(rest, ":generateContent"):
		return strings.TrimSuffix(rest, ":generateContent"), false, true
	case strings.HasSuffix(rest, ":streamGenerateContent"):
		return strings.TrimSuffix(rest, ":streamGenerateContent"), true, true
	default:
		return "", false, false
	}
}

// writeGeminiError writes a Gemini-shaped error response.
func writeGeminiError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(translator.GeminiErrorBody(statusCode, message))
}
