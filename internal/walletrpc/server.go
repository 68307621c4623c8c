// Package walletrpc exposes wallet balances, top-ups and history over gRPC.
package walletrpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInsufficientFunds       = "insufficient_funds"
	errorDuplicateIdempotencyKey = "duplicate_idempotency_key"
	errorInvalidActorID          = "invalid_actor_id"
	errorInvalidActorKind        = "invalid_actor_kind"
	errorInvalidCategory         = "invalid_category"
	errorInvalidIdempotencyKey   = "invalid_idempotency_key"
	errorInvalidAmount           = "invalid_amount"
	errorInvalidMetadata         = "invalid_metadata_json"
	errorInvalidListLimit        = "invalid_list_limit"
	errorDebitNotAllowed         = "debit_not_allowed"

	fieldKind           = "kind"
	fieldActorID        = "actor_id"
	fieldAmount         = "amount"
	fieldCategory       = "category"
	fieldSessionID      = "session_id"
	fieldIdempotencyKey = "idempotency_key"
	fieldMetadataJSON   = "metadata_json"
	fieldBeforeUnixUTC  = "before_unix_utc"
	fieldLimit          = "limit"
	fieldBalance        = "balance"
	fieldVersion        = "version"
	fieldEntries        = "entries"

	defaultListEntriesLimit = 50
	maxListEntriesLimit     = 200
)

// Session categories are only written by unit charges, never by hand.
var manualCredit = map[ledger.Category]struct{}{
	ledger.CategoryRecharge: {},
	ledger.CategoryGift:     {},
}

var manualDebit = map[ledger.Category]struct{}{
	ledger.CategoryOrder: {},
	ledger.CategoryGift:  {},
}

// Wallet is the ledger surface the server exposes.
type Wallet interface {
	Balance(ctx context.Context, account ledger.Account) (ledger.Balance, error)
	Credit(ctx context.Context, account ledger.Account, amount ledger.Coins, category ledger.Category, sessionID string, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.Balance, error)
	Debit(ctx context.Context, account ledger.Account, amount ledger.Coins, category ledger.Category, sessionID string, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.Balance, error)
	ListEntries(ctx context.Context, account ledger.Account, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
}

// Server implements WalletService over a Wallet.
type Server struct {
	wallet Wallet
	now    func() time.Time
}

// NewServer constructs a gRPC wallet server.
func NewServer(wallet Wallet, now func() time.Time) *Server {
	if now == nil {
		now = time.Now
	}
	return &Server{wallet: wallet, now: now}
}

func (server *Server) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	account, err := accountFrom(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := server.wallet.Balance(ctx, account)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return balanceResponse(balance), nil
}

func (server *Server) Credit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	posting, err := postingFrom(request, ledger.CategoryRecharge, manualCredit)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := server.wallet.Credit(ctx, posting.account, posting.amount, posting.category, posting.sessionID, posting.idempotencyKey, posting.metadata)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return balanceResponse(balance), nil
}

func (server *Server) Debit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	posting, err := postingFrom(request, ledger.CategoryOrder, manualDebit)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := server.wallet.Debit(ctx, posting.account, posting.amount, posting.category, posting.sessionID, posting.idempotencyKey, posting.metadata)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return balanceResponse(balance), nil
}

func (server *Server) ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	account, err := accountFrom(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	limit, err := normalizeListLimit(int64Field(request, fieldLimit))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	before := int64Field(request, fieldBeforeUnixUTC)
	if before == 0 {
		before = server.now().UTC().Add(time.Second).Unix()
	}
	entries, operationError := server.wallet.ListEntries(ctx, account, before, limit)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	values := make([]any, 0, len(entries))
	for _, entry := range entries {
		values = append(values, map[string]any{
			"entry_id":          entry.EntryID,
			"account":           entry.Account.String(),
			"direction":         entry.Direction.String(),
			fieldAmount:         float64(entry.Amount.Int64()),
			fieldCategory:       entry.Category.String(),
			fieldSessionID:      entry.SessionID,
			fieldIdempotencyKey: entry.IdempotencyKey.String(),
			fieldMetadataJSON:   entry.Metadata.String(),
			"created_unix_utc":  float64(entry.CreatedUnixUTC),
		})
	}
	response, err := structpb.NewStruct(map[string]any{fieldEntries: values})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

type postingRequest struct {
	account        ledger.Account
	amount         ledger.Coins
	category       ledger.Category
	sessionID      string
	idempotencyKey ledger.IdempotencyKey
	metadata       ledger.MetadataJSON
}

func postingFrom(request *structpb.Struct, defaultCategory ledger.Category, allowed map[ledger.Category]struct{}) (postingRequest, error) {
	account, err := accountFrom(request)
	if err != nil {
		return postingRequest{}, err
	}
	rawAmount := request.GetFields()[fieldAmount].GetNumberValue()
	if rawAmount != math.Trunc(rawAmount) {
		return postingRequest{}, fmt.Errorf("%w: must be a whole number of coins", ledger.ErrInvalidAmount)
	}
	amount, err := ledger.NewPositiveCoins(int64(rawAmount))
	if err != nil {
		return postingRequest{}, err
	}
	category := defaultCategory
	if raw := stringField(request, fieldCategory); raw != "" {
		category, err = ledger.ParseCategory(raw)
		if err != nil {
			return postingRequest{}, err
		}
	}
	if _, ok := allowed[category]; !ok {
		return postingRequest{}, fmt.Errorf("%w: %s is reserved", ledger.ErrInvalidCategory, category)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(stringField(request, fieldIdempotencyKey))
	if err != nil {
		return postingRequest{}, err
	}
	metadata, err := ledger.NewMetadataJSON(stringField(request, fieldMetadataJSON))
	if err != nil {
		return postingRequest{}, err
	}
	return postingRequest{
		account:        account,
		amount:         amount,
		category:       category,
		sessionID:      stringField(request, fieldSessionID),
		idempotencyKey: idempotencyKey,
		metadata:       metadata,
	}, nil
}

func accountFrom(request *structpb.Struct) (ledger.Account, error) {
	kind, err := ledger.ParseActorKind(stringField(request, fieldKind))
	if err != nil {
		return ledger.Account{}, err
	}
	if kind == ledger.ActorPlatform {
		return ledger.PlatformAccount(), nil
	}
	return ledger.NewAccount(kind, stringField(request, fieldActorID))
}

func balanceResponse(balance ledger.Balance) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldKind:    structpb.NewStringValue(balance.Account.Kind.String()),
		fieldActorID: structpb.NewStringValue(balance.Account.ID.String()),
		fieldBalance: structpb.NewNumberValue(float64(balance.Coins.Int64())),
		fieldVersion: structpb.NewNumberValue(float64(balance.Version)),
	}}
}

func stringField(request *structpb.Struct, name string) string {
	return request.GetFields()[name].GetStringValue()
}

func int64Field(request *structpb.Struct, name string) int64 {
	return int64(request.GetFields()[name].GetNumberValue())
}

func normalizeListLimit(limit int64) (int, error) {
	if limit <= 0 {
		return defaultListEntriesLimit, nil
	}
	if limit > maxListEntriesLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxListEntriesLimit)
	}
	return int(limit), nil
}

func mapToGRPCError(source error) error {
	switch {
	case errors.Is(source, ledger.ErrInvalidActorID):
		return status.Error(codes.InvalidArgument, errorInvalidActorID)
	case errors.Is(source, ledger.ErrInvalidActorKind):
		return status.Error(codes.InvalidArgument, errorInvalidActorKind)
	case errors.Is(source, ledger.ErrInvalidCategory):
		return status.Error(codes.InvalidArgument, errorInvalidCategory)
	case errors.Is(source, ledger.ErrInvalidIdempotencyKey):
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	case errors.Is(source, ledger.ErrInvalidAmount):
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	case errors.Is(source, ledger.ErrInvalidMetadataJSON):
		return status.Error(codes.InvalidArgument, errorInvalidMetadata)
	case errors.Is(source, ledger.ErrDebitNotAllowed):
		return status.Error(codes.FailedPrecondition, errorDebitNotAllowed)
	case errors.Is(source, ledger.ErrInsufficientFunds):
		return status.Error(codes.FailedPrecondition, errorInsufficientFunds)
	case errors.Is(source, ledger.ErrDuplicateIdempotencyKey):
		return status.Error(codes.AlreadyExists, errorDuplicateIdempotencyKey)
	default:
		return status.Error(codes.Internal, source.Error())
	}
}
