package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"kiroproxy/internal/apierr"
	"kiroproxy/internal/auth"
	"kiroproxy/internal/models"
	"kiroproxy/internal/utils"
)

// handleAdminLogin exchanges the admin password for a session token.
func (d *Dependencies) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if d.Config.AdminPassword == "" {
		utils.RespondWithError(w, http.StatusNotFound, "management auth is not configured")
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !auth.CheckPassword(d.adminPasswordHash, body.Password) {
		utils.RespondWithError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token, exp, err := auth.GenerateAdminJWT(auth.RoleAdmin, d.Config.JWTSecret)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"exp":   exp,
	})
}

// accountView is the management representation of an account. Tokens are
// never echoed back.
type accountView struct {
	ID            string            `json:"id"`
	AuthKind      models.AuthKind   `json:"auth_kind"`
	Status        string            `json:"status"`
	Enabled       bool              `json:"enabled"`
	ExpiresAt     time.Time         `json:"expires_at"`
	CooldownUntil *time.Time        `json:"cooldown_until,omitempty"`
	LastError     *models.LastError `json:"last_error,omitempty"`
	LastUsedAt    *time.Time        `json:"last_used_at,omitempty"`
}

func viewOf(a *models.Account) accountView {
	v := accountView{
		ID:            a.ID,
		AuthKind:      a.Credential.AuthKind,
		Status:        string(a.Status),
		Enabled:       a.Enabled,
		ExpiresAt:     a.Credential.ExpiresAt,
		CooldownUntil: a.CooldownUntil,
		LastError:     a.LastError,
	}
	if !a.LastUsedAt.IsZero() {
		t := a.LastUsedAt
		v.LastUsedAt = &t
	}
	return v
}

// handleAccounts serves GET (list) and POST (import) on /api/accounts.
func (d *Dependencies) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		accounts := d.Pool.List()
		views := make([]accountView, 0, len(accounts))
		for _, a := range accounts {
			views = append(views, viewOf(a))
		}
		utils.RespondWithJSON(w, http.StatusOK, views)

	case http.MethodPost:
		var body struct {
			Issuer       string          `json:"issuer"`
			Subject      string          `json:"subject"`
			AuthKind     models.AuthKind `json:"auth_kind"`
			AccessToken  string          `json:"access_token"`
			RefreshToken string          `json:"refresh_token"`
			ExpiresAt    time.Time       `json:"expires_at"`
			ClientIDHash string          `json:"client_id_hash"`
			ClientID     string          `json:"client_id"`
			ClientSecret string          `json:"client_secret"`
			ProfileArn   string          `json:"profile_arn"`
			Region       string          `json:"region"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if !body.AuthKind.Valid() {
			utils.RespondWithError(w, http.StatusBadRequest, "unknown auth_kind")
			return
		}
		if body.RefreshToken == "" {
			utils.RespondWithError(w, http.StatusBadRequest, "refresh_token is required")
			return
		}

		// The issuer/subject pair keeps the id stable across refreshes. An
		// import without them falls back to the credential's own identifiers.
		issuer := body.Issuer
		if issuer == "" {
			issuer = string(body.AuthKind)
		}
		subject := body.Subject
		if subject == "" {
			subject = body.ClientIDHash
		}
		if subject == "" {
			subject = utils.HashString(body.RefreshToken)
		}

		account := &models.Account{
			ID: models.CredentialID(issuer, subject),
			Credential: models.Credential{
				AccessToken:  body.AccessToken,
				RefreshToken: body.RefreshToken,
				ExpiresAt:    body.ExpiresAt,
				AuthKind:     body.AuthKind,
				ClientIDHash: body.ClientIDHash,
				IssuedAt:     time.Now(),
				ClientID:     body.ClientID,
				ClientSecret: body.ClientSecret,
				ProfileArn:   body.ProfileArn,
				Region:       body.Region,
			},
			Enabled: true,
			Status:  models.StatusActive,
		}

		// An import without a usable access token starts with a refresh; a
		// failed refresh means the account begins Unhealthy.
		if account.Credential.AccessToken == "" || account.Credential.ExpiresAt.Before(time.Now()) {
			res, err := d.Refresher.Refresh(r.Context(), account)
			if err != nil {
				account.Status = models.StatusUnhealthy
				account.RecordError(string(apierr.KindOf(err)), err.Error(), time.Now())
			} else {
				account.Credential.AccessToken = res.AccessToken
				if res.RefreshToken != "" {
					account.Credential.RefreshToken = res.RefreshToken
				}
				account.Credential.ExpiresAt = res.ExpiresAt
				if res.ProfileArn != "" {
					account.Credential.ProfileArn = res.ProfileArn
				}
			}
		}

		if err := d.Pool.Add(account); err != nil {
			utils.RespondWithError(w, http.StatusConflict, err.Error())
			return
		}
		utils.RespondWithJSON(w, http.StatusCreated, viewOf(account))

	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAccountAction routes /api/accounts/{id}[/{action}].
func (d *Dependencies) handleAccountAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/accounts/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	account, ok := d.Pool.Get(id)
	if !ok {
		utils.RespondWithError(w, http.StatusNotFound, "account not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		utils.RespondWithJSON(w, http.StatusOK, viewOf(account))

	case action == "" && r.Method == http.MethodDelete:
		if err := d.Pool.Remove(id); err != nil {
			utils.RespondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case action == "toggle" && r.Method == http.MethodPost:
		if err := d.Pool.SetEnabled(id, !account.Enabled); err != nil {
			utils.RespondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		updated, _ := d.Pool.Get(id)
		utils.RespondWithJSON(w, http.StatusOK, viewOf(updated))

	case action == "refresh" && r.Method == http.MethodPost:
		if err := d.refreshAndApply(r, account); err != nil {
			utils.RespondWithError(w, http.StatusBadGateway, err.Error())
			return
		}
		updated, _ := d.Pool.Get(id)
		utils.RespondWithJSON(w, http.StatusOK, viewOf(updated))

	case action == "restore" && r.Method == http.MethodPost:
		// Restore is gated on a successful refresh: a dead credential must
		// not rejoin the rotation.
		if err := d.refreshAndApply(r, account); err != nil {
			utils.RespondWithError(w, http.StatusConflict, "refresh must succeed before restore: "+err.Error())
			return
		}
		if err := d.Pool.Restore(id); err != nil {
			utils.RespondWithError(w, http.StatusConflict, err.Error())
			return
		}
		updated, _ := d.Pool.Get(id)
		utils.RespondWithJSON(w, http.StatusOK, viewOf(updated))

	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (d *Dependencies) refreshAndApply(r *http.Request, account *models.Account) error {
	res, err := d.Refresher.Refresh(r.Context(), account)
	if err != nil {
		if apierr.KindOf(err) == apierr.KindInvalidRefreshToken {
			d.Pool.MarkUnhealthy(account.ID, err.Error())
		}
		return err
	}
	d.Pool.ApplyRefresh(account.ID, res.AccessToken, res.RefreshToken, res.ExpiresAt, res.ProfileArn)
	return nil
}

// handleStats serves GET /api/stats.
func (d *Dependencies) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, d.Stats.Snapshot())
}

// handleStatus serves GET /api/status: the pool at a glance.
func (d *Dependencies) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	accounts := d.Pool.List()
	counts := map[string]int{}
	for _, a := range accounts {
		counts[string(a.Status)]++
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"accounts_total": len(accounts),
		"by_status":      counts,
	})
}

// handleFlows serves GET /api/flows from the Postgres flow store when one is
// configured.
func (d *Dependencies) handleFlows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if d.FlowRepo == nil {
		utils.RespondWithError(w, http.StatusNotFound, "flow store is not configured")
		return
	}
	recs, err := d.FlowRepo.Recent(r.Context(), 100)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, recs)
}
