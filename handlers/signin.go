package handlers

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-server/events"
	"github.com/giantswarm/oauth-server/pipeline"
	"github.com/giantswarm/oauth-server/protocol"
	"github.com/giantswarm/oauth-server/storage"
)

// DefaultDeviceCodeInterval is the polling interval returned to devices
// when none is configured (RFC 8628 section 3.2).
const DefaultDeviceCodeInterval = 5 * time.Second

// userCodeAttempts bounds the retries on user code collisions.
const userCodeAttempts = 3

// bindingClaims are only meaningful inside the token that carries them and
// are never copied into derived tokens.
var bindingClaims = []string{
	protocol.ClaimPrivateCodeChallenge,
	protocol.ClaimPrivateCodeChallengeMethod,
	protocol.ClaimPrivateRedirectURI,
	protocol.ClaimPrivateNonce,
	protocol.ClaimPrivateTokenID,
	protocol.ClaimPrivateTokenType,
	protocol.ClaimPrivateCreationDate,
	protocol.ClaimPrivateExpirationDate,
	protocol.ClaimPrivateDeviceCodeID,
	protocol.ClaimPrivateUserCodeDeviceEntryID,
}

type signInHandler = func(context.Context, *events.ProcessSignIn) error

func signIn(name string, order int, fn signInHandler) *pipeline.DescriptorBuilder[*events.ProcessSignIn] {
	return pipeline.Describe[*events.ProcessSignIn]("ProcessSignIn." + name).
		Order(order).
		UseFunc(fn)
}

func signInHandlers(svc *Services) []pipeline.Descriptor {
	o := &svc.Options
	return []pipeline.Descriptor{
		signIn("ValidateSignInDemand", 1000, validateSignInDemand).Build(),
		signIn("RedeemTokenEntry", 2000, svc.redeemTokenEntry).Build(),
		signIn("AttachDefaultScopes", 3000, attachDefaultScopes).Build(),
		signIn("AttachDefaultPresenters", 4000, attachDefaultPresenters).Build(),
		signIn("EvaluateGeneratedTokens", 5000, svc.evaluateGeneratedTokens).Build(),
		signIn("PrepareAccessTokenPrincipal", 6000, svc.prepareAccessTokenPrincipal).Build(),
		signIn("PrepareAuthorizationCodePrincipal", 7000, svc.prepareAuthorizationCodePrincipal).Build(),
		signIn("PrepareRefreshTokenPrincipal", 8000, svc.prepareRefreshTokenPrincipal).Build(),
		signIn("PrepareIdentityTokenPrincipal", 9000, svc.prepareIdentityTokenPrincipal).Build(),
		signIn("PrepareDeviceCodePrincipal", 10000, svc.prepareDeviceCodePrincipal).Build(),
		signIn("PrepareUserCodePrincipal", 11000, svc.prepareUserCodePrincipal).Build(),
		signIn("GenerateTokens", 12000, svc.generateTokens).Build(),
		pipeline.Describe[*events.ProcessSignIn]("ProcessSignIn.UpdateDeviceCodeEntry").
			Order(13000).
			Filter(RequireEndpoint(pipeline.EndpointVerification)).
			UseSingleton(func() (pipeline.Handler[*events.ProcessSignIn], error) {
				if err := svc.requireDeviceStorage("ProcessSignIn.UpdateDeviceCodeEntry"); err != nil {
					return nil, err
				}
				return pipeline.HandlerFunc[*events.ProcessSignIn](svc.updateDeviceCodeEntry), nil
			}).
			Build(),
		signIn("AttachSignInParameters", 14000, svc.attachSignInParameters).Build(),
		applyResponse[*events.ProcessSignIn](svc, 15000),

		pipeline.Describe[*events.ProcessSignOut]("ProcessSignOut.ValidateSignOutDemand").
			Order(1000).
			UseFunc(func(_ context.Context, e *events.ProcessSignOut) error {
				if e.Subject == "" {
					return pipeline.Internalf("a subject is required to sign out")
				}
				return nil
			}).
			Build(),
		pipeline.Describe[*events.ProcessSignOut]("ProcessSignOut.RevokeSubjectTokens").
			Order(2000).
			Filter(RequireTokenStorageEnabled(o)).
			UseFunc(svc.revokeSubjectTokens).
			Build(),
		pipeline.Describe[*events.ProcessSignOut]("ProcessSignOut.CompleteSignOut").
			Order(3000).
			UseFunc(func(_ context.Context, e *events.ProcessSignOut) error {
				e.HandleRequest()
				return nil
			}).
			Build(),

		pipeline.Describe[*events.ProcessChallenge]("ProcessChallenge.ValidateChallengeDemand").
			Order(1000).
			UseFunc(func(_ context.Context, e *events.ProcessChallenge) error {
				switch e.Endpoint() {
				case pipeline.EndpointAuthorization, pipeline.EndpointToken, pipeline.EndpointVerification:
					return nil
				default:
					return pipeline.Internalf("challenges are not supported at the %q endpoint", e.Endpoint())
				}
			}).
			Build(),
		pipeline.Describe[*events.ProcessChallenge]("ProcessChallenge.AttachDefaultChallengeError").
			Order(2000).
			UseFunc(func(_ context.Context, e *events.ProcessChallenge) error {
				if e.Error == "" {
					e.Error = protocol.ErrorAccessDenied
					if e.Description == "" {
						e.Description = "The authorization was denied by the resource owner."
					}
				}
				return nil
			}).
			Build(),
		pipeline.Describe[*events.ProcessChallenge]("ProcessChallenge.RejectDeviceCodeEntry").
			Order(3000).
			Filter(RequireEndpoint(pipeline.EndpointVerification)).
			UseSingleton(func() (pipeline.Handler[*events.ProcessChallenge], error) {
				if err := svc.requireDeviceStorage("ProcessChallenge.RejectDeviceCodeEntry"); err != nil {
					return nil, err
				}
				return pipeline.HandlerFunc[*events.ProcessChallenge](svc.rejectDeviceCodeEntry), nil
			}).
			Build(),
		pipeline.Describe[*events.ProcessChallenge]("ProcessChallenge.AttachChallengeParameters").
			Order(4000).
			UseFunc(func(_ context.Context, e *events.ProcessChallenge) error {
				attachErrorParameters(e.BaseContext, e.Error, e.Description, e.URI)
				return nil
			}).
			Build(),
		applyResponse[*events.ProcessChallenge](svc, 5000),

		pipeline.Describe[*events.ProcessError]("ProcessError.AttachErrorParameters").
			Order(1000).
			UseFunc(func(_ context.Context, e *events.ProcessError) error {
				attachErrorParameters(e.BaseContext, e.Error, e.Description, e.URI)
				return nil
			}).
			Build(),
		applyResponse[*events.ProcessError](svc, 2000),
	}
}

// attachErrorParameters replaces the response with an error response.
// Requests rejected before extraction get an empty request message so the
// Apply stage can run.
func attachErrorParameters(e *pipeline.BaseContext, code, description, uri string) {
	if e.Request() == nil {
		e.SetRequest(protocol.NewMessage())
	}
	if code == "" {
		code = protocol.ErrorInvalidRequest
	}
	resp := protocol.NewMessage()
	resp.Set(protocol.ParamError, code)
	if description != "" {
		resp.Set(protocol.ParamErrorDescription, description)
	}
	if uri != "" {
		resp.Set(protocol.ParamErrorURI, uri)
	}
	e.SetResponse(resp)
}

// applyResponse runs the Apply stage of the endpoint once a sign-in,
// challenge or error response is built.
func applyResponse[T events.ResponseProducer](svc *Services, order int) pipeline.Descriptor {
	return pipeline.Describe[T](nameOf[T]("ApplyResponse")).
		Order(order).
		UseFunc(func(ctx context.Context, e T) error {
			tx := e.Base().Transaction
			apply := events.NewApply(tx)
			if apply == nil {
				return pipeline.Internalf("no response can be applied for the %q endpoint", tx.Endpoint)
			}
			_, err := svc.runStage(ctx, e.Base(), apply)
			return err
		}).
		Build()
}

func validateSignInDemand(_ context.Context, e *events.ProcessSignIn) error {
	switch e.Endpoint() {
	case pipeline.EndpointAuthorization, pipeline.EndpointToken,
		pipeline.EndpointDevice, pipeline.EndpointVerification:
	default:
		return pipeline.Internalf("sign-in is not supported at the %q endpoint", e.Endpoint())
	}
	if e.Principal == nil {
		return pipeline.Internalf("no principal was provided to sign in")
	}
	e.Principal = e.Principal.Clone()
	if e.Principal.Subject() == "" && e.Endpoint() != pipeline.EndpointDevice {
		return pipeline.Internalf("the principal to sign in has no subject")
	}
	if e.Principal.AuthorizationID() == "" {
		e.Principal.SetClaim(protocol.ClaimPrivateAuthorizationID, uuid.NewString())
	}
	return nil
}

// redeemTokenEntry marks the one-time token of the grant as used. Losing
// the race against a concurrent request is treated as reuse.
func (s *Services) redeemTokenEntry(ctx context.Context, e *events.ProcessSignIn) error {
	if e.Endpoint() != pipeline.EndpointToken {
		return nil
	}
	auth, ok := pipeline.Property(e.Transaction, events.PropertyAuthentication)
	if !ok || auth == nil {
		return nil
	}
	req := e.Request()

	var entry *storage.Token
	switch {
	case req.IsDeviceCodeGrantType():
		entry = auth.Entries[protocol.TokenTypeDeviceCode]
	case s.Options.DisableTokenStorage:
		return nil
	case req.IsAuthorizationCodeGrantType():
		entry = auth.Entries[protocol.TokenTypeAuthorizationCode]
	case req.IsRefreshTokenGrantType() && !s.Options.DisableRollingRefreshTokens:
		entry = auth.Entries[protocol.TokenTypeRefreshToken]
	default:
		return nil
	}
	if entry == nil {
		return pipeline.Internalf("no token entry was resolved for the %s grant", req.GrantType())
	}

	redeemed, err := s.Tokens.Redeem(ctx, entry.ID)
	switch {
	case errors.Is(err, storage.ErrAlreadyRedeemed):
		if redeemed == nil {
			redeemed = entry
		}
		if err := s.revokeReusedAuthorization(ctx, e.Transaction, redeemed); err != nil {
			return err
		}
		e.Reject(invalidTokenError(e.Transaction), "The specified token has already been redeemed.", "")
		return nil
	case errors.Is(err, storage.ErrInvalidStatus), errors.Is(err, storage.ErrNotFound):
		e.Reject(invalidTokenError(e.Transaction), "The specified token is no longer valid.", "")
		return nil
	case err != nil:
		return fmt.Errorf("failed to redeem token: %w", err)
	}
	return nil
}

func attachDefaultScopes(_ context.Context, e *events.ProcessSignIn) error {
	if len(e.Principal.Scopes()) > 0 {
		return nil
	}
	if scopes := e.Request().Scopes(); len(scopes) > 0 {
		e.Principal.SetScopes(scopes)
	}
	return nil
}

func attachDefaultPresenters(_ context.Context, e *events.ProcessSignIn) error {
	if len(e.Principal.Presenters()) > 0 {
		return nil
	}
	if clientID := e.Request().ClientID(); clientID != "" {
		e.Principal.SetPresenters([]string{clientID})
	}
	return nil
}

func (s *Services) evaluateGeneratedTokens(_ context.Context, e *events.ProcessSignIn) error {
	req := e.Request()
	switch e.Endpoint() {
	case pipeline.EndpointAuthorization:
		e.GenerateAuthorizationCode = req.HasResponseType(protocol.ResponseTypeCode)
		e.GenerateAccessToken = req.HasResponseType(protocol.ResponseTypeToken)
		e.GenerateIdentityToken = req.HasResponseType(protocol.ResponseTypeIDToken)

	case pipeline.EndpointToken:
		e.GenerateAccessToken = true
		e.GenerateRefreshToken = e.Principal.HasScope(protocol.ScopeOfflineAccess) &&
			s.Options.IsGrantTypeEnabled(protocol.GrantTypeRefreshToken) &&
			(!req.IsRefreshTokenGrantType() || !s.Options.DisableRollingRefreshTokens)
		e.GenerateIdentityToken = e.Principal.HasScope(protocol.ScopeOpenID) &&
			!req.IsClientCredentialsGrantType()

	case pipeline.EndpointDevice:
		e.GenerateDeviceCode = true
		e.GenerateUserCode = true
	}
	return nil
}

// derive copies the principal for a new token of tokenType valid for
// lifetime. A zero lifetime means the token does not expire.
func (s *Services) derive(p *protocol.Principal, tokenType string, lifetime time.Duration) *protocol.Principal {
	c := p.Clone()
	for _, claim := range bindingClaims {
		c.RemoveClaim(claim)
	}
	now := s.now()
	c.SetClaim(protocol.ClaimPrivateTokenType, tokenType)
	c.SetCreatedAt(now)
	if lifetime > 0 {
		c.SetExpiresAt(now.Add(lifetime))
	}
	return c
}

func (s *Services) prepareAccessTokenPrincipal(_ context.Context, e *events.ProcessSignIn) error {
	if !e.GenerateAccessToken || e.AccessTokenPrincipal != nil {
		return nil
	}
	p := s.derive(e.Principal, protocol.TokenTypeAccessToken, s.Options.AccessTokenLifetime)

	// Code and refresh token grants may ask for a subset of the granted
	// scopes. Only the access token is narrowed.
	req := e.Request()
	if e.Endpoint() == pipeline.EndpointToken &&
		(req.IsAuthorizationCodeGrantType() || req.IsRefreshTokenGrantType()) {
		if requested := req.Scopes(); len(requested) > 0 {
			p.SetScopes(slices.DeleteFunc(requested, func(scope string) bool {
				return !e.Principal.HasScope(scope)
			}))
		}
	}
	e.AccessTokenPrincipal = p
	return nil
}

func (s *Services) prepareAuthorizationCodePrincipal(_ context.Context, e *events.ProcessSignIn) error {
	if !e.GenerateAuthorizationCode || e.AuthorizationCodePrincipal != nil {
		return nil
	}
	req := e.Request()
	p := s.derive(e.Principal, protocol.TokenTypeAuthorizationCode, s.Options.AuthorizationCodeLifetime)

	// Only an explicit redirect_uri binds the token request (RFC 6749
	// section 4.1.3).
	p.SetClaim(protocol.ClaimPrivateRedirectURI, req.RedirectURI())
	if challenge := req.CodeChallenge(); challenge != "" {
		method := req.CodeChallengeMethod()
		if method == "" {
			method = protocol.CodeChallengeMethodPlain
		}
		p.SetClaim(protocol.ClaimPrivateCodeChallenge, challenge)
		p.SetClaim(protocol.ClaimPrivateCodeChallengeMethod, method)
	}
	p.SetClaim(protocol.ClaimPrivateNonce, req.Nonce())
	e.AuthorizationCodePrincipal = p
	return nil
}

func (s *Services) prepareRefreshTokenPrincipal(_ context.Context, e *events.ProcessSignIn) error {
	if e.GenerateRefreshToken && e.RefreshTokenPrincipal == nil {
		e.RefreshTokenPrincipal = s.derive(e.Principal, protocol.TokenTypeRefreshToken, s.Options.RefreshTokenLifetime)
	}
	return nil
}

func (s *Services) prepareIdentityTokenPrincipal(_ context.Context, e *events.ProcessSignIn) error {
	if !e.GenerateIdentityToken || e.IdentityTokenPrincipal != nil {
		return nil
	}
	// The nonce comes from the authorization request, or from the code
	// it was bound to.
	nonce := e.Request().Nonce()
	if e.Endpoint() == pipeline.EndpointToken {
		nonce = e.Principal.Claim(protocol.ClaimPrivateNonce)
	}
	p := s.derive(e.Principal, protocol.TokenTypeIDToken, s.Options.IdentityTokenLifetime)
	p.SetClaims(protocol.ClaimAudience, e.Principal.Presenters())
	p.SetClaim(protocol.ParamNonce, nonce)
	e.IdentityTokenPrincipal = p
	return nil
}

func (s *Services) prepareDeviceCodePrincipal(_ context.Context, e *events.ProcessSignIn) error {
	if e.GenerateDeviceCode && e.DeviceCodePrincipal == nil {
		e.DeviceCodePrincipal = s.derive(e.Principal, protocol.TokenTypeDeviceCode, s.Options.DeviceCodeLifetime)
	}
	return nil
}

func (s *Services) prepareUserCodePrincipal(_ context.Context, e *events.ProcessSignIn) error {
	if !e.GenerateUserCode || e.UserCodePrincipal != nil {
		return nil
	}
	lifetime := s.Options.UserCodeLifetime
	if lifetime == 0 {
		lifetime = s.Options.DeviceCodeLifetime
	}
	e.UserCodePrincipal = s.derive(e.Principal, protocol.TokenTypeUserCode, lifetime)
	return nil
}

// generateUserCode returns a random XXXX-XXXX user code.
func generateUserCode() (string, error) {
	charset := big.NewInt(int64(len(UserCodeCharset)))
	code := make([]byte, 0, UserCodeLength+1)
	for i := 0; i < UserCodeLength; i++ {
		if i == UserCodeLength/2 {
			code = append(code, '-')
		}
		n, err := rand.Int(rand.Reader, charset)
		if err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		code = append(code, UserCodeCharset[n.Int64()])
	}
	return string(code), nil
}

// newEntry creates the storage entry describing a token minted from p.
func (s *Services) newEntry(p *protocol.Principal, clientID string) *storage.Token {
	return &storage.Token{
		ID:              p.TokenID(),
		AuthorizationID: p.AuthorizationID(),
		ApplicationID:   clientID,
		Subject:         p.Subject(),
		Type:            p.TokenType(),
		Status:          storage.TokenStatusValid,
		CreatedAt:       p.CreatedAt(),
		ExpiresAt:       p.ExpiresAt(),
	}
}

func (s *Services) generateTokens(ctx context.Context, e *events.ProcessSignIn) error {
	clientID := e.Request().ClientID()
	if presenters := e.Principal.Presenters(); len(presenters) > 0 {
		clientID = presenters[0]
	}
	store := !s.Options.DisableTokenStorage && s.Tokens != nil

	// Device codes first: user codes point to their entry.
	if e.GenerateDeviceCode {
		if err := s.generateDeviceCode(ctx, e, clientID); err != nil {
			return err
		}
	}
	if e.GenerateUserCode {
		if err := s.generateUserCodeEntry(ctx, e, clientID); err != nil {
			return err
		}
	}

	for _, t := range []struct {
		generate  bool
		principal *protocol.Principal
		token     *string
		persist   bool
	}{
		{e.GenerateAuthorizationCode, e.AuthorizationCodePrincipal, &e.AuthorizationCode, store},
		{e.GenerateAccessToken, e.AccessTokenPrincipal, &e.AccessToken, store},
		{e.GenerateRefreshToken, e.RefreshTokenPrincipal, &e.RefreshToken, store},
		{e.GenerateIdentityToken, e.IdentityTokenPrincipal, &e.IdentityToken, false},
	} {
		if !t.generate {
			continue
		}
		if t.principal == nil {
			return pipeline.Internalf("no principal was prepared for a requested token")
		}
		t.principal.SetClaim(protocol.ClaimPrivateTokenID, uuid.NewString())
		token, err := s.Protector.Protect(ctx, t.principal)
		if err != nil {
			return fmt.Errorf("failed to protect %s: %w", t.principal.TokenType(), err)
		}
		if t.persist {
			if err := s.Tokens.Create(ctx, s.newEntry(t.principal, clientID)); err != nil {
				return fmt.Errorf("failed to create %s entry: %w", t.principal.TokenType(), err)
			}
		}
		*t.token = token
		s.recordIssued(ctx, e, t.principal, clientID)
	}
	return nil
}

func (s *Services) generateDeviceCode(ctx context.Context, e *events.ProcessSignIn, clientID string) error {
	p := e.DeviceCodePrincipal
	if p == nil {
		return pipeline.Internalf("no principal was prepared for the device code")
	}
	p.SetClaim(protocol.ClaimPrivateTokenID, uuid.NewString())
	payload, err := s.Protector.Protect(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to protect device code: %w", err)
	}

	entry := s.newEntry(p, clientID)
	entry.ReferenceID = generateRandomToken()
	entry.Status = storage.TokenStatusInactive
	entry.Payload = payload
	if err := s.Tokens.Create(ctx, entry); err != nil {
		return fmt.Errorf("failed to create device code entry: %w", err)
	}
	e.DeviceCode = entry.ReferenceID
	s.recordIssued(ctx, e, p, clientID)
	return nil
}

func (s *Services) generateUserCodeEntry(ctx context.Context, e *events.ProcessSignIn, clientID string) error {
	p := e.UserCodePrincipal
	if p == nil || e.DeviceCodePrincipal == nil {
		return pipeline.Internalf("no principal was prepared for the user code")
	}
	p.SetClaim(protocol.ClaimPrivateTokenID, uuid.NewString())
	p.SetClaim(protocol.ClaimPrivateUserCodeDeviceEntryID, e.DeviceCodePrincipal.TokenID())
	payload, err := s.Protector.Protect(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to protect user code: %w", err)
	}

	var lastErr error
	for range userCodeAttempts {
		code, err := generateUserCode()
		if err != nil {
			return err
		}
		entry := s.newEntry(p, clientID)
		entry.ReferenceID = NormalizeUserCode(code)
		entry.Payload = payload
		if lastErr = s.Tokens.Create(ctx, entry); lastErr == nil {
			e.UserCode = code
			s.recordIssued(ctx, e, p, clientID)
			return nil
		}
		e.Logger().Debug("User code entry could not be created, retrying", "error", lastErr)
	}
	return fmt.Errorf("failed to create user code entry: %w", lastErr)
}

func (s *Services) recordIssued(ctx context.Context, e *events.ProcessSignIn, p *protocol.Principal, clientID string) {
	tokenType := p.TokenType()
	s.metrics().RecordTokenIssued(ctx, clientID, tokenType)
	s.Auditor.LogTokenIssued(ctx, p.Subject(), clientID, clientIP(e.Transaction), tokenType, strings.Join(p.Scopes(), " "))
}

// approvedDevice returns the device code entry the validated user code
// points to, or nil when the request did not present a usable user code.
func (s *Services) approvedDevice(ctx context.Context, tx *pipeline.Transaction) (*events.ProcessAuthentication, *storage.Token, error) {
	auth, ok := pipeline.Property(tx, events.PropertyAuthentication)
	if !ok || auth == nil || auth.UserCodePrincipal == nil {
		return nil, nil, nil
	}
	id := auth.UserCodePrincipal.Claim(protocol.ClaimPrivateUserCodeDeviceEntryID)
	if id == "" {
		return nil, nil, pipeline.Internalf("the user code is not bound to a device code")
	}
	entry, err := s.Tokens.FindByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return auth, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find device code entry: %w", err)
	}
	return auth, entry, nil
}

// redeemUserCode makes the user code unusable once the user decided.
func (s *Services) redeemUserCode(ctx context.Context, auth *events.ProcessAuthentication) error {
	entry := auth.Entries[protocol.TokenTypeUserCode]
	if entry == nil {
		return nil
	}
	_, err := s.Tokens.Redeem(ctx, entry.ID)
	if err != nil && !errors.Is(err, storage.ErrAlreadyRedeemed) {
		return fmt.Errorf("failed to redeem user code: %w", err)
	}
	return nil
}

// updateDeviceCodeEntry approves the device authorization with the
// identity of the user who signed in at the verification endpoint.
func (s *Services) updateDeviceCodeEntry(ctx context.Context, e *events.ProcessSignIn) error {
	auth, entry, err := s.approvedDevice(ctx, e.Transaction)
	if err != nil {
		return err
	}
	if auth == nil {
		missingParameter(e.BaseContext, protocol.ParamUserCode)
		return nil
	}
	if entry == nil || entry.Status != storage.TokenStatusInactive || entry.IsExpired(s.now()) {
		e.Reject(protocol.ErrorInvalidToken, "The specified user code is no longer valid.", "")
		return nil
	}

	userCode := auth.UserCodePrincipal
	p := s.derive(e.Principal, protocol.TokenTypeDeviceCode, 0)
	p.SetClaim(protocol.ClaimPrivateTokenID, entry.ID)
	p.SetClaim(protocol.ClaimPrivateAuthorizationID, entry.AuthorizationID)
	p.SetPresenters(userCode.Presenters())
	if len(p.Scopes()) == 0 {
		p.SetScopes(userCode.Scopes())
	}
	p.SetExpiresAt(entry.ExpiresAt)

	payload, err := s.Protector.Protect(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to protect device code: %w", err)
	}
	entry.Payload = payload
	entry.Subject = p.Subject()
	entry.Status = storage.TokenStatusValid
	if err := s.Tokens.Update(ctx, entry); err != nil {
		return fmt.Errorf("failed to approve device code: %w", err)
	}
	if err := s.redeemUserCode(ctx, auth); err != nil {
		return err
	}

	s.Auditor.LogDeviceCodeDecision(ctx, p.Subject(), entry.ApplicationID, clientIP(e.Transaction), true)
	e.Logger().Info("Device authorization approved", "client_id", entry.ApplicationID)
	return nil
}

// rejectDeviceCodeEntry records the user's refusal so the polling device
// gets access_denied.
func (s *Services) rejectDeviceCodeEntry(ctx context.Context, e *events.ProcessChallenge) error {
	auth, entry, err := s.approvedDevice(ctx, e.Transaction)
	if err != nil || entry == nil || entry.Status != storage.TokenStatusInactive {
		return err
	}
	entry.Status = storage.TokenStatusRejected
	if err := s.Tokens.Update(ctx, entry); err != nil {
		return fmt.Errorf("failed to reject device code: %w", err)
	}
	if err := s.redeemUserCode(ctx, auth); err != nil {
		return err
	}

	s.Auditor.LogDeviceCodeDecision(ctx, entry.Subject, entry.ApplicationID, clientIP(e.Transaction), false)
	e.Logger().Info("Device authorization denied", "client_id", entry.ApplicationID)
	return nil
}

func (s *Services) attachSignInParameters(_ context.Context, e *events.ProcessSignIn) error {
	resp := e.Response()
	if e.AccessToken != "" {
		resp.Set(protocol.ParamAccessToken, e.AccessToken)
		resp.Set(protocol.ParamTokenType, protocol.TokenTypeBearer)
		if exp := e.AccessTokenPrincipal.ExpiresAt(); !exp.IsZero() {
			resp.SetJSON(protocol.ParamExpiresIn, secondsUntil(exp, s.now()))
		}
		if scopes := e.AccessTokenPrincipal.Scopes(); len(scopes) > 0 {
			resp.Set(protocol.ParamScope, strings.Join(scopes, " "))
		}
	}
	if e.AuthorizationCode != "" {
		resp.Set(protocol.ParamCode, e.AuthorizationCode)
	}
	if e.IdentityToken != "" {
		resp.Set(protocol.ParamIDToken, e.IdentityToken)
	}
	if e.RefreshToken != "" {
		resp.Set(protocol.ParamRefreshToken, e.RefreshToken)
	}

	if e.DeviceCode != "" {
		resp.Set(protocol.ParamDeviceCode, e.DeviceCode)
		resp.Set(protocol.ParamUserCode, e.UserCode)
		if uri := s.verificationURI(e.Transaction); uri != nil {
			resp.Set(protocol.ParamVerificationURI, uri.String())
			q := uri.Query()
			q.Set(protocol.ParamUserCode, e.UserCode)
			uri.RawQuery = q.Encode()
			resp.Set(protocol.ParamVerificationURIComplete, uri.String())
		}
		if exp := e.DeviceCodePrincipal.ExpiresAt(); !exp.IsZero() {
			resp.SetJSON(protocol.ParamExpiresIn, secondsUntil(exp, s.now()))
		}
		interval := s.Options.DeviceCodeInterval
		if interval <= 0 {
			interval = DefaultDeviceCodeInterval
		}
		resp.SetJSON(protocol.ParamInterval, strconv.Itoa(int(interval.Seconds())))
	}
	return nil
}

func (s *Services) verificationURI(tx *pipeline.Transaction) *url.URL {
	if tx.Issuer == nil || s.Options.VerificationEndpointPath == "" {
		return nil
	}
	return tx.Issuer.JoinPath(s.Options.VerificationEndpointPath)
}

func secondsUntil(t, now time.Time) string {
	secs := int64(t.Sub(now).Round(time.Second) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return strconv.FormatInt(secs, 10)
}

func (s *Services) revokeSubjectTokens(ctx context.Context, e *events.ProcessSignOut) error {
	if s.Tokens == nil {
		return pipeline.Internalf("no token store is registered")
	}
	n, err := s.Tokens.RevokeBySubject(ctx, e.Subject, e.ClientID)
	if err != nil {
		return fmt.Errorf("failed to revoke subject tokens: %w", err)
	}
	e.Revoked = n
	if n > 0 {
		s.metrics().RecordTokenRevocation(ctx, e.ClientID, n)
		s.Auditor.LogTokenRevoked(ctx, e.Subject, e.ClientID, clientIP(e.Transaction), "all", n)
	}
	e.Logger().Info("Signed out", "revoked", n)
	return nil
}
