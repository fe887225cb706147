package server

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/teemow/expensebridge/internal/credentials"
	"github.com/teemow/expensebridge/internal/failure"
	"github.com/teemow/expensebridge/internal/logging"
)

// CallbackPath is where providers redirect after consent.
const CallbackPath = "/oauth/callback"

// AuthorizationCompleter finishes or discards an authorization from its
// callback.
type AuthorizationCompleter interface {
	CompleteAuthorization(ctx context.Context, state, code string) (*credentials.Record, error)
	CancelAuthorization(ctx context.Context, state string) error
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h2>{{.Title}}</h2>
<p>{{.Message}}</p>
{{if .Hint}}<p>{{.Hint}}</p>{{end}}
</body>
</html>
`))

type callbackView struct {
	Title   string
	Message string
	Hint    string
}

// CallbackHandler serves the OAuth redirect. It hands state and code to the
// completer and renders the outcome for the user's browser.
type CallbackHandler struct {
	completer  AuthorizationCompleter
	logger     *slog.Logger
	onComplete func(*credentials.Record, error)
}

// NewCallbackHandler creates a callback handler.
func NewCallbackHandler(completer AuthorizationCompleter, logger *slog.Logger) *CallbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackHandler{completer: completer, logger: logger}
}

// OnComplete registers fn to be called after every callback that carried a
// state, with the stored record or the failure.
func (h *CallbackHandler) OnComplete(fn func(*credentials.Record, error)) *CallbackHandler {
	h.onComplete = fn
	return h
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")

	if denied := q.Get("error"); denied != "" {
		fe := failure.Newf(failure.KindUnauthenticated, "", "authorization was not granted: %s", denied)
		fe.Reason = denied
		fe.Hint = "consent was declined or cancelled, start the authorization again to connect the account"
		h.logger.Warn("authorization callback returned an error", "error", denied)
		if state != "" {
			// The state must not be completable after the user declined.
			if err := h.completer.CancelAuthorization(r.Context(), state); err != nil {
				h.logger.Warn("failed to discard pending authorization", logging.Err(err))
			}
			h.notify(nil, fe)
		}
		h.render(w, http.StatusBadRequest, callbackView{
			Title:   "Authorization not granted",
			Message: fmt.Sprintf("The provider reported: %s.", denied),
			Hint:    fe.Hint,
		})
		return
	}

	if state == "" || code == "" {
		h.render(w, http.StatusBadRequest, callbackView{
			Title:   "Invalid authorization response",
			Message: "The callback is missing its state or code parameter.",
		})
		return
	}

	rec, err := h.completer.CompleteAuthorization(r.Context(), state, code)
	h.notify(rec, err)
	if err != nil {
		h.logger.Warn("authorization callback failed", logging.Err(err))
		view := callbackView{
			Title:   "Authorization failed",
			Message: "The account could not be connected.",
		}
		if fe, ok := failure.As(err); ok {
			view.Hint = fe.Hint
		}
		h.render(w, callbackStatus(err), view)
		return
	}

	h.logger.Info("authorization callback completed",
		logging.Provider(string(rec.Provider)),
		logging.PrincipalHash(rec.Principal),
	)
	h.render(w, http.StatusOK, callbackView{
		Title:   "Authorization received!",
		Message: fmt.Sprintf("%s is connected. You can close this window and return to your assistant or terminal.", rec.Provider.DisplayName()),
	})
}

func (h *CallbackHandler) notify(rec *credentials.Record, err error) {
	if h.onComplete != nil {
		h.onComplete(rec, err)
	}
}

func (h *CallbackHandler) render(w http.ResponseWriter, status int, view callbackView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := callbackPage.Execute(w, view); err != nil {
		h.logger.Debug("failed to render callback page", logging.Err(err))
	}
}

func callbackStatus(err error) int {
	switch failure.KindOf(err) {
	case failure.KindInvalidInvocation:
		return http.StatusBadRequest
	case failure.KindUnauthenticated:
		return http.StatusUnauthorized
	case failure.KindInsufficientScope:
		return http.StatusForbidden
	case failure.KindProviderFatal, failure.KindProviderTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
