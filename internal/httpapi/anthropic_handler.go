package httpapi

import (
	"io"
	"net/http"

	"kiroproxy/internal/apierr"
	"kiroproxy/internal/orchestrator"
	"kiroproxy/internal/translator"
	"kiroproxy/internal/upstream"
	"kiroproxy/internal/utils"
)

// handleMessages serves POST /v1/messages.
func (d *Dependencies) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAnthropicError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	req, err := translator.ParseAnthropicRequest(body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, err.Error())
		return
	}
	treq, err := req.ToRequest()
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, err.Error())
		return
	}

	flow := d.Orchestrator.NewFlow("anthropic", req.Model, treq.UpstreamModel)

	disp, err := d.Orchestrator.Dispatch(r.Context(), treq, flow)
	if err != nil {
		kind := apierr.KindOf(err)
		if kind == apierr.KindClientCancelled {
			flow.Cancel()
			return
		}
		flow.Fail(kind)
		writeAnthropicKindError(w, kind, err.Error())
		return
	}
	defer disp.Release()

	if treq.Stream {
		d.streamAnthropic(w, r, disp, treq, flow)
	} else {
		d.completeAnthropic(w, r, disp, treq, flow)
	}
}

func (d *Dependencies) streamAnthropic(w http.ResponseWriter, r *http.Request,
	disp *orchestrator.Dispatch, treq *translator.Request, flow *orchestrator.Flow) {

	sse := newSSEWriter(w)
	if sse == nil {
		flow.Fail(apierr.KindInternal)
		writeAnthropicError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	tr := translator.NewAnthropicStream(treq.UpstreamModel)
	var outputChars, inputTokens int64

	for !tr.Done() {
		ev, err := disp.Stream.Next()
		if err != nil {
			if r.Context().Err() != nil {
				flow.Cancel()
				return
			}
			sse.event("error", translator.AnthropicErrorBody("api_error", "upstream stream interrupted"))
			flow.Fail(apierr.KindNetwork)
			return
		}
		if ev.Type == upstream.EventError {
			kind := d.Orchestrator.ReportMidStreamFailure(disp.AccountID, 0, ev.ErrorPayload)
			sse.event("error", translator.AnthropicErrorBody(translator.AnthropicErrorType(kind), string(kind)))
			flow.Fail(kind)
			return
		}
		if ev.Type == upstream.EventMetadata {
			inputTokens = ev.InputTokens
		}
		outputChars += int64(len(ev.Text))

		events, terr := tr.Translate(ev)
		if terr != nil {
			sse.event("error", translator.AnthropicErrorBody("api_error", terr.Error()))
			flow.Fail(apierr.KindProtocolTranslation)
			return
		}
		for _, e := range events {
			if !sse.event(e.Name, e.Data) {
				flow.Cancel()
				return
			}
		}
	}

	flow.Complete(inputTokens, (outputChars+3)/4)
}

func (d *Dependencies) completeAnthropic(w http.ResponseWriter, r *http.Request,
	disp *orchestrator.Dispatch, treq *translator.Request, flow *orchestrator.Flow) {

	body, usage, err := translator.AggregateAnthropic(treq.UpstreamModel, disp.Stream.Next)
	if err != nil {
		d.failAggregate(w, r, disp, flow, err, func(w http.ResponseWriter, status int, msg string) {
			writeAnthropicError(w, status, msg)
		})
		return
	}

	flow.Complete(usage.InputTokens, usage.OutputTokens)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleCountTokens serves POST /v1/messages/count_tokens with a local
// estimate.
func (d *Dependencies) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAnthropicError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	req, err := translator.ParseAnthropicRequest(body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, err.Error())
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"input_tokens": translator.CountAnthropicTokens(req),
	})
}

// writeAnthropicError writes a Messages-shaped error from an HTTP status.
func writeAnthropicError(w http.ResponseWriter, statusCode int, message string) {
	errType := "api_error"
	switch statusCode {
	case http.StatusBadRequest, http.StatusMethodNotAllowed:
		errType = "invalid_request_error"
	case http.StatusUnauthorized:
		errType = "authentication_error"
	case http.StatusTooManyRequests:
		errType = "rate_limit_error"
	case http.StatusServiceUnavailable:
		errType = "overloaded_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(translator.AnthropicErrorBody(errType, message))
}

// writeAnthropicKindError writes a Messages-shaped error from an error kind.
func writeAnthropicKindError(w http.ResponseWriter, kind apierr.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_, _ = w.Write(translator.AnthropicErrorBody(translator.AnthropicErrorType(kind), message))
}
