// Package httpapi exposes the consultation core over HTTP for cookie-authenticated clients.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/consult"
	"github.com/MarkoPoloResearchLab/consult/internal/ratecard"
	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/MarkoPoloResearchLab/consult/pkg/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey   = "auth_claims"
	walletHistoryLimit = 20
	messageListLimit   = 200
)

// Coordinator is the session surface served over HTTP.
type Coordinator interface {
	RequestSession(ctx context.Context, input consult.RequestInput) (session.Session, error)
	RespondAsProvider(ctx context.Context, sessionID, providerID string, confirm bool) (session.Session, error)
	RespondAsConsumer(ctx context.Context, sessionID, consumerID string, accept bool) (session.Session, error)
	JoinAsConsumer(ctx context.Context, sessionID, consumerID string) (session.Session, error)
	SendMessage(ctx context.Context, input consult.MessageInput) (session.Message, error)
	EndSession(ctx context.Context, input consult.EndInput) (session.Summary, error)
	GetSession(ctx context.Context, sessionID, actorID string) (session.Session, error)
	ListMessages(ctx context.Context, sessionID, actorID string, limit int) ([]session.Message, error)
}

// Wallet is the read side of the ledger shown to a signed-in actor.
type Wallet interface {
	Balance(ctx context.Context, account ledger.Account) (ledger.Balance, error)
	ListEntries(ctx context.Context, account ledger.Account, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
}

// SocketTokens issues the token a client presents when it opens its socket.
type SocketTokens interface {
	Issue(actorID string, role string) (string, time.Time, error)
}

// DeviceTokens stores push registrations.
type DeviceTokens interface {
	SaveToken(ctx context.Context, actorID string, token string) error
}

// Providers registers signed-in actors as consultants.
type Providers interface {
	RegisterProvider(ctx context.Context, providerID string, displayName string) error
}

// RateCards stores a provider's own prices.
type RateCards interface {
	UpsertCard(ctx context.Context, card ratecard.Card) error
}

// Dependencies wires the HTTP handler. RateDefaults supplies the platform commission
// applied to provider-set prices.
type Dependencies struct {
	Coordinator  Coordinator
	Wallet       Wallet
	SocketTokens SocketTokens
	DeviceTokens DeviceTokens
	Providers    Providers
	RateCards    RateCards
	RateDefaults ratecard.Defaults
	Logger       *zap.Logger
	Clock        func() time.Time
}

// RouterConfig carries the settings the router itself needs.
type RouterConfig struct {
	AllowedOrigins []string
}

type httpHandler struct {
	coordinator  Coordinator
	wallet       Wallet
	socketTokens SocketTokens
	deviceTokens DeviceTokens
	providers    Providers
	rateCards    RateCards
	rateDefaults ratecard.Defaults
	logger       *zap.Logger
	clock        func() time.Time
}

// NewRouter builds the gin engine. auth authenticates /api routes and must store
// *sessionvalidator.Claims under "auth_claims"; socket, when set, serves /ws.
func NewRouter(cfg RouterConfig, dependencies Dependencies, auth gin.HandlerFunc, socket http.Handler) *gin.Engine {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := dependencies.Clock
	if clock == nil {
		clock = time.Now
	}
	handler := &httpHandler{
		coordinator:  dependencies.Coordinator,
		wallet:       dependencies.Wallet,
		socketTokens: dependencies.SocketTokens,
		deviceTokens: dependencies.DeviceTokens,
		providers:    dependencies.Providers,
		rateCards:    dependencies.RateCards,
		rateDefaults: dependencies.RateDefaults,
		logger:       logger,
		clock:        clock,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if socket != nil {
		router.GET("/ws", gin.WrapH(socket))
	}

	api := router.Group("/api")
	api.Use(auth)
	api.GET("/me", handler.handleMe)
	api.POST("/socket-token", handler.handleSocketToken)
	api.POST("/device-tokens", handler.handleDeviceToken)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/provider/profile", handler.handleProviderProfile)
	api.PUT("/provider/rates/:kind", handler.handleProviderRate)
	api.POST("/sessions", handler.handleRequestSession)
	api.GET("/sessions/:id", handler.handleGetSession)
	api.POST("/sessions/:id/provider-response", handler.handleProviderResponse)
	api.POST("/sessions/:id/consumer-response", handler.handleConsumerResponse)
	api.POST("/sessions/:id/join", handler.handleJoin)
	api.GET("/sessions/:id/messages", handler.handleListMessages)
	api.POST("/sessions/:id/messages", handler.handleSendMessage)
	api.POST("/sessions/:id/end", handler.handleEnd)
	return router
}

// NewAuthMiddleware validates tauth session cookies.
func NewAuthMiddleware(signingKey string, issuer string, cookieName string) (gin.HandlerFunc, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(signingKey),
		Issuer:     issuer,
		CookieName: cookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return validator.GinMiddleware(claimsContextKey), nil
}

func (handler *httpHandler) handleMe(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
	})
}

func (handler *httpHandler) handleSocketToken(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	token, expiresAt, err := handler.socketTokens.Issue(claims.GetUserID(), "")
	if err != nil {
		handler.logger.Error("socket token issue failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(consult.ReasonInternal.String(), "token unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"token": token, "expires_unix_utc": expiresAt.Unix()})
}

func (handler *httpHandler) handleDeviceToken(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	var request deviceTokenRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Token == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "token is required"))
		return
	}
	if err := handler.deviceTokens.SaveToken(ctx.Request.Context(), claims.GetUserID(), request.Token); err != nil {
		handler.logger.Error("device token save failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(consult.ReasonInternal.String(), "token not saved"))
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	kind, err := ledger.ParseActorKind(ctx.DefaultQuery("as", ledger.ActorConsumer.String()))
	if err != nil || kind == ledger.ActorPlatform {
		ctx.JSON(http.StatusBadRequest, errorResponse(consult.ReasonInvalidRequest.String(), "as must be consumer or provider"))
		return
	}
	account, err := ledger.NewAccount(kind, claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(consult.ReasonInvalidRequest.String(), err.Error()))
		return
	}
	balance, err := handler.wallet.Balance(ctx.Request.Context(), account)
	if err != nil {
		handler.logger.Error("wallet balance failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	before := handler.clock().UTC().Add(time.Second).Unix()
	entries, err := handler.wallet.ListEntries(ctx.Request.Context(), account, before, walletHistoryLimit)
	if err != nil {
		handler.logger.Error("wallet entries failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	payload := walletResponse{Balance: balance.Coins.Int64(), Entries: make([]entryPayload, 0, len(entries))}
	for _, entry := range entries {
		payload.Entries = append(payload.Entries, entryPayload{
			EntryID:        entry.EntryID,
			Direction:      entry.Direction.String(),
			Amount:         entry.Amount.Int64(),
			Category:       entry.Category.String(),
			SessionID:      entry.SessionID,
			IdempotencyKey: entry.IdempotencyKey.String(),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": payload})
}

func (handler *httpHandler) handleProviderProfile(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	var request providerProfileRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	displayName := strings.TrimSpace(request.DisplayName)
	if displayName == "" {
		displayName = claims.GetUserDisplayName()
	}
	if err := handler.providers.RegisterProvider(ctx.Request.Context(), claims.GetUserID(), displayName); err != nil {
		handler.logger.Error("provider registration failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(consult.ReasonInternal.String(), "profile not saved"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"provider": gin.H{"provider_id": claims.GetUserID(), "display_name": displayName}})
}

func (handler *httpHandler) handleProviderRate(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	kind, err := session.ParseKind(ctx.Param("kind"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(consult.ReasonInvalidRequest.String(), err.Error()))
		return
	}
	var request rateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	platformCard, ok := handler.rateDefaults.Card(kind)
	if !ok {
		ctx.JSON(http.StatusBadRequest, errorResponse(consult.ReasonInvalidRequest.String(), "kind is not offered"))
		return
	}
	card := ratecard.Card{
		ProviderID:        claims.GetUserID(),
		Kind:              kind,
		UnitPrice:         ledger.Coins(request.UnitPrice),
		CommissionPercent: platformCard.CommissionPercent,
	}
	rate, err := card.Rate()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(consult.ReasonInvalidRequest.String(), err.Error()))
		return
	}
	if err := handler.rateCards.UpsertCard(ctx.Request.Context(), card); err != nil {
		handler.logger.Error("rate card save failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(consult.ReasonInternal.String(), "rate not saved"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"rate": ratePayload{
		Kind:       kind.String(),
		UnitPrice:  rate.UnitPrice.Int64(),
		Commission: rate.Commission.Int64(),
	}})
}

func (handler *httpHandler) handleRequestSession(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	var request sessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	created, err := handler.coordinator.RequestSession(ctx.Request.Context(), consult.RequestInput{
		ConsumerID:   claims.GetUserID(),
		ProviderID:   request.ProviderID,
		Kind:         request.Kind,
		JoinWaitlist: request.JoinWaitlist,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"session": newSessionPayload(created)})
}

func (handler *httpHandler) handleGetSession(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	current, err := handler.coordinator.GetSession(ctx.Request.Context(), ctx.Param("id"), claims.GetUserID())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": newSessionPayload(current)})
}

func (handler *httpHandler) handleProviderResponse(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	var request respondRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	handler.respondWithSession(ctx)(handler.coordinator.RespondAsProvider(ctx.Request.Context(), ctx.Param("id"), claims.GetUserID(), request.Accept))
}

func (handler *httpHandler) handleConsumerResponse(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	var request respondRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	handler.respondWithSession(ctx)(handler.coordinator.RespondAsConsumer(ctx.Request.Context(), ctx.Param("id"), claims.GetUserID(), request.Accept))
}

func (handler *httpHandler) handleJoin(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	handler.respondWithSession(ctx)(handler.coordinator.JoinAsConsumer(ctx.Request.Context(), ctx.Param("id"), claims.GetUserID()))
}

func (handler *httpHandler) handleListMessages(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	limit := messageListLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > messageListLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse(consult.ReasonInvalidRequest.String(), fmt.Sprintf("limit must be between 1 and %d", messageListLimit)))
			return
		}
		limit = parsed
	}
	messages, err := handler.coordinator.ListMessages(ctx.Request.Context(), ctx.Param("id"), claims.GetUserID(), limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, newMessagePayload(message))
	}
	ctx.JSON(http.StatusOK, gin.H{"messages": payload})
}

func (handler *httpHandler) handleSendMessage(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	var request messageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	message, err := handler.coordinator.SendMessage(ctx.Request.Context(), consult.MessageInput{
		SessionID: ctx.Param("id"),
		SenderID:  claims.GetUserID(),
		Body:      request.Body,
		BodyKind:  request.BodyKind,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"message": newMessagePayload(message)})
}

func (handler *httpHandler) handleEnd(ctx *gin.Context) {
	claims := requireClaims(ctx)
	if claims == nil {
		return
	}
	var request endRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	summary, err := handler.coordinator.EndSession(ctx.Request.Context(), consult.EndInput{
		SessionID: ctx.Param("id"),
		ActorID:   claims.GetUserID(),
		Reason:    request.Reason,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"summary": summaryPayload{
		SessionID:       summary.SessionID.String(),
		Status:          summary.Status.String(),
		EndedBy:         summary.EndedBy.String(),
		Reason:          summary.Reason,
		TotalUnits:      summary.TotalUnits,
		TotalAmount:     summary.TotalAmount.Int64(),
		DurationSeconds: int64(summary.Duration / time.Second),
	}})
}

func (handler *httpHandler) respondWithSession(ctx *gin.Context) func(session.Session, error) {
	return func(current session.Session, err error) {
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"session": newSessionPayload(current)})
	}
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	reason := consult.ReasonOf(err)
	statusCode := statusForReason(reason)
	if statusCode >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(statusCode, errorResponse(reason.String(), reason.Message()))
}

func statusForReason(reason consult.Reason) int {
	switch reason {
	case consult.ReasonNoFunds:
		return http.StatusPaymentRequired
	case consult.ReasonNotFound:
		return http.StatusNotFound
	case consult.ReasonInvalidRequest:
		return http.StatusBadRequest
	case consult.ReasonNotParticipant:
		return http.StatusForbidden
	case consult.ReasonRestrictedContent:
		return http.StatusUnprocessableEntity
	case consult.ReasonProviderUnreachable:
		return http.StatusServiceUnavailable
	case consult.ReasonAlreadyInSession, consult.ReasonDuplicateRequest, consult.ReasonInvalidState, consult.ReasonSessionFinalized:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func requireClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if ok {
		if claims, _ := claimsValue.(*sessionvalidator.Claims); claims != nil && claims.GetUserID() != "" {
			return claims
		}
	}
	ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
	return nil
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
