package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"kiroproxy/internal/apierr"
	"kiroproxy/internal/orchestrator"
	"kiroproxy/internal/translator"
	"kiroproxy/internal/upstream"
	"kiroproxy/internal/utils"
)

// handleChatCompletions serves POST /v1/chat/completions.
//
// Flow:
//  1. Decode the Chat Completions body
//  2. Translate inbound to the upstream dialect
//  3. Dispatch through the orchestrator (selection + failover)
//  4. Stream or aggregate the response back out
//  5. Emit one flow record on termination
func (d *Dependencies) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	req, err := translator.ParseOpenAIRequest(body)
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}
	treq, err := req.ToRequest()
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}

	flow := d.Orchestrator.NewFlow("openai", req.Model, treq.UpstreamModel)

	disp, err := d.Orchestrator.Dispatch(r.Context(), treq, flow)
	if err != nil {
		kind := apierr.KindOf(err)
		if kind == apierr.KindClientCancelled {
			flow.Cancel()
			return
		}
		flow.Fail(kind)
		writeOpenAIError(w, kind.HTTPStatus(), err.Error())
		return
	}
	defer disp.Release()

	if treq.Stream {
		d.streamOpenAI(w, r, disp, treq, flow)
	} else {
		d.completeOpenAI(w, r, disp, treq, flow)
	}
}

func (d *Dependencies) streamOpenAI(w http.ResponseWriter, r *http.Request,
	disp *orchestrator.Dispatch, treq *translator.Request, flow *orchestrator.Flow) {

	sse := newSSEWriter(w)
	if sse == nil {
		flow.Fail(apierr.KindInternal)
		writeOpenAIError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	tr := translator.NewOpenAIStream(treq.UpstreamModel)
	var outputChars, inputTokens int64

	for !tr.Done() {
		ev, err := disp.Stream.Next()
		if err != nil {
			if r.Context().Err() != nil {
				flow.Cancel()
				return
			}
			sse.data(translator.OpenAIStreamErrorEvent("upstream stream interrupted"))
			flow.Fail(apierr.KindNetwork)
			return
		}
		if ev.Type == upstream.EventError {
			kind := d.Orchestrator.ReportMidStreamFailure(disp.AccountID, 0, ev.ErrorPayload)
			sse.data(translator.OpenAIStreamErrorEvent(string(kind)))
			flow.Fail(kind)
			return
		}
		if ev.Type == upstream.EventMetadata {
			inputTokens = ev.InputTokens
		}
		outputChars += int64(len(ev.Text))

		chunks, terr := tr.Translate(ev)
		if terr != nil {
			sse.data(translator.OpenAIStreamErrorEvent(terr.Error()))
			flow.Fail(apierr.KindProtocolTranslation)
			return
		}
		for _, chunk := range chunks {
			if !sse.data(chunk) {
				flow.Cancel()
				return
			}
		}
	}

	sse.raw("data: [DONE]\n\n")
	flow.Complete(inputTokens, (outputChars+3)/4)
}

func (d *Dependencies) completeOpenAI(w http.ResponseWriter, r *http.Request,
	disp *orchestrator.Dispatch, treq *translator.Request, flow *orchestrator.Flow) {

	body, usage, err := translator.AggregateOpenAI(treq.UpstreamModel, disp.Stream.Next)
	if err != nil {
		d.failAggregate(w, r, disp, flow, err, writeOpenAIError)
		return
	}

	flow.Complete(usage.InputTokens, usage.OutputTokens)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// failAggregate maps an aggregation failure onto the protocol's error writer.
func (d *Dependencies) failAggregate(w http.ResponseWriter, r *http.Request,
	disp *orchestrator.Dispatch, flow *orchestrator.Flow, err error,
	write func(http.ResponseWriter, int, string)) {

	if r.Context().Err() != nil {
		flow.Cancel()
		return
	}
	if ex, ok := err.(*translator.UpstreamException); ok {
		kind := d.Orchestrator.ReportMidStreamFailure(disp.AccountID, 0, ex.Payload)
		flow.Fail(kind)
		write(w, kind.HTTPStatus(), string(kind))
		return
	}
	kind := apierr.KindOf(err)
	if kind == apierr.KindClientCancelled {
		flow.Cancel()
		return
	}
	if kind == apierr.KindInternal {
		kind = apierr.KindNetwork
	}
	flow.Fail(kind)
	write(w, kind.HTTPStatus(), err.Error())
}

// handleModels serves GET /v1/models: the upstream catalogue when an account
// can fetch it, the static list otherwise.
func (d *Dependencies) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
		Name    string `json:"name,omitempty"`
	}

	var entries []modelEntry
	if account, err := d.Pool.Select(""); err == nil {
		caller := upstream.Caller{
			AccountID:   account.ID,
			AccessToken: account.Credential.AccessToken,
			Fingerprint: account.Fingerprint(time.Now()),
			ProfileArn:  account.Credential.ProfileArn,
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if upstreamModels, err := d.Upstream.ListModels(ctx, caller); err == nil {
			for _, m := range upstreamModels {
				entries = append(entries, modelEntry{ID: m.ModelID, Object: "model", OwnedBy: "kiro", Name: m.ModelName})
			}
		}
	}
	if len(entries) == 0 {
		for _, m := range translator.StaticModels {
			entries = append(entries, modelEntry{ID: m.ID, Object: "model", OwnedBy: "kiro", Name: m.Name})
		}
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   entries,
	})
}

// writeOpenAIError writes a Chat-Completions-shaped error response.
func writeOpenAIError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(translator.OpenAIErrorBody(statusCode, message))
}
