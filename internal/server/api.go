package server

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"CDPLedger/internal/core"
	"CDPLedger/internal/query"

	"google.golang.org/grpc"
)

// Service names on the wire.
const (
	CDPServiceName   = "cdpledger.v1.CDPService"
	AdminServiceName = "cdpledger.v1.AdminService"
)

// ============================================================================
// Messages
// ============================================================================

// SubmitCommandRequest carries one command in its wire JSON. EventType is the
// command name ("MintDebt"). A missing timestamp is filled with the server
// clock; a missing price is resolved from the oracle.
type SubmitCommandRequest struct {
	EventType string          `json:"event_type"`
	Command   json.RawMessage `json:"command"`
}

// CommandResponse summarizes an applied command.
type CommandResponse struct {
	Sequence        int64                 `json:"sequence"`
	EventType       string                `json:"event_type"`
	IdempotencyKey  string                `json:"idempotency_key"`
	StateHash       string                `json:"state_hash,omitempty"`
	Duplicate       bool                  `json:"duplicate"`
	Vault           *query.VaultResponse  `json:"vault,omitempty"`
	Config          *query.ConfigResponse `json:"config,omitempty"`
	InterestAccrued int64                 `json:"interest_accrued,omitempty"`
	DebtMinted      int64                 `json:"debt_minted,omitempty"`
	DebtBurned      int64                 `json:"debt_burned,omitempty"`
	CollateralIn    int64                 `json:"collateral_in,omitempty"`
	CollateralOut   int64                 `json:"collateral_out,omitempty"`
	Seized          int64                 `json:"seized,omitempty"`
	Surplus         int64                 `json:"surplus,omitempty"`
	BadDebt         int64                 `json:"bad_debt,omitempty"`
	VaultsAccrued   int                   `json:"vaults_accrued,omitempty"`
}

// NewCommandResponse formats a core receipt.
func NewCommandResponse(r *core.Receipt) *CommandResponse {
	resp := &CommandResponse{
		Sequence:        r.Sequence,
		EventType:       r.EventType.String(),
		IdempotencyKey:  r.IdempotencyKey,
		Duplicate:       r.Duplicate,
		InterestAccrued: r.InterestAccrued,
		DebtMinted:      r.DebtMinted,
		DebtBurned:      r.DebtBurned,
		CollateralIn:    r.CollateralIn,
		CollateralOut:   r.CollateralOut,
		Seized:          r.Seized,
		Surplus:         r.Surplus,
		BadDebt:         r.BadDebt,
		VaultsAccrued:   r.VaultsAccrued,
	}
	if !r.Duplicate {
		resp.StateHash = hex.EncodeToString(r.StateHash[:])
	}
	if r.Vault != nil {
		resp.Vault = query.NewVaultResponse(r.Vault, r.Sequence)
	}
	if r.Config != nil {
		resp.Config = query.NewConfigResponse(r.Config, r.Sequence)
	}
	return resp
}

// GetConfigRequest reads the protocol config. Live reads go through the core;
// otherwise the projection answers.
type GetConfigRequest struct {
	Live bool `json:"live"`
}

type GetVaultRequest struct {
	Owner string `json:"owner"`
	Live  bool   `json:"live"`
}

type ListVaultsRequest struct {
	State      string `json:"state,omitempty"`
	AfterOwner string `json:"after_owner,omitempty"`
	PageSize   int    `json:"page_size,omitempty"`
}

type ListVaultsResponse struct {
	Vaults []query.VaultResponse `json:"vaults"`
}

type GetBalancesRequest struct {
	UserID string `json:"user_id"`
}

type GetBalancesResponse struct {
	Balances []query.BalanceResponse `json:"balances"`
}

type ListLiquidationsRequest struct {
	Owner          string `json:"owner,omitempty"`
	PageSize       int    `json:"page_size,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

type ListLiquidationsResponse struct {
	Liquidations []query.LiquidationResponse `json:"liquidations"`
}

type ListJournalsRequest struct {
	UserID         string `json:"user_id"`
	PageSize       int    `json:"page_size,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

// InjectAssetDepositRequest credits a bridged asset. DepositID is the
// bridge's idempotency key and may be empty.
type InjectAssetDepositRequest struct {
	DepositID string `json:"deposit_id,omitempty"`
	Holder    string `json:"holder"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
}

// InjectPriceRequest sets a manual oracle price. Price is a decimal string.
type InjectPriceRequest struct {
	Asset    string `json:"asset"`
	Price    string `json:"price"`
	Sequence int64  `json:"sequence,omitempty"`
}

type InjectPriceResponse struct {
	Accepted bool `json:"accepted"`
}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	SizeBytes int    `json:"size_bytes"`
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	LastSequence int64 `json:"last_sequence"`
}

type GetEventLogInfoRequest struct{}

type GetEventLogInfoResponse struct {
	LastPersistedSequence int64  `json:"last_persisted_sequence"`
	CoreSequence          int64  `json:"core_sequence"`
	StateHash             string `json:"state_hash"`
	UptimeSeconds         int64  `json:"uptime_seconds"`
}

type VerifyIntegrityRequest struct{}

// ============================================================================
// Service interfaces and descriptors
// ============================================================================

// CDPServiceServer is the command and query API.
type CDPServiceServer interface {
	SubmitCommand(context.Context, *SubmitCommandRequest) (*CommandResponse, error)
	GetConfig(context.Context, *GetConfigRequest) (*query.ConfigResponse, error)
	GetVault(context.Context, *GetVaultRequest) (*query.VaultResponse, error)
	GetVaultHealth(context.Context, *GetVaultRequest) (*query.VaultHealth, error)
	ListVaults(context.Context, *ListVaultsRequest) (*ListVaultsResponse, error)
	GetBalances(context.Context, *GetBalancesRequest) (*GetBalancesResponse, error)
	ListLiquidations(context.Context, *ListLiquidationsRequest) (*ListLiquidationsResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
}

// AdminServiceServer is the operator API.
type AdminServiceServer interface {
	InjectAssetDeposit(context.Context, *InjectAssetDepositRequest) (*CommandResponse, error)
	InjectPrice(context.Context, *InjectPriceRequest) (*InjectPriceResponse, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
	RebuildProjections(context.Context, *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error)
	GetEventLogInfo(context.Context, *GetEventLogInfoRequest) (*GetEventLogInfoResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

// unary builds a method descriptor that decodes Req and calls fn through the
// server interceptor chain.
func unary[S any, Req any, Resp any](
	service, method string,
	fn func(s S, ctx context.Context, req *Req) (*Resp, error),
) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// CDPServiceDesc describes cdpledger.v1.CDPService.
var CDPServiceDesc = grpc.ServiceDesc{
	ServiceName: CDPServiceName,
	HandlerType: (*CDPServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(CDPServiceName, "SubmitCommand", CDPServiceServer.SubmitCommand),
		unary(CDPServiceName, "GetConfig", CDPServiceServer.GetConfig),
		unary(CDPServiceName, "GetVault", CDPServiceServer.GetVault),
		unary(CDPServiceName, "GetVaultHealth", CDPServiceServer.GetVaultHealth),
		unary(CDPServiceName, "ListVaults", CDPServiceServer.ListVaults),
		unary(CDPServiceName, "GetBalances", CDPServiceServer.GetBalances),
		unary(CDPServiceName, "ListLiquidations", CDPServiceServer.ListLiquidations),
		unary(CDPServiceName, "ListJournals", CDPServiceServer.ListJournals),
	},
	Metadata: "cdpledger/v1/cdp.json",
}

// AdminServiceDesc describes cdpledger.v1.AdminService.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminServiceName, "InjectAssetDeposit", AdminServiceServer.InjectAssetDeposit),
		unary(AdminServiceName, "InjectPrice", AdminServiceServer.InjectPrice),
		unary(AdminServiceName, "TakeSnapshot", AdminServiceServer.TakeSnapshot),
		unary(AdminServiceName, "RebuildProjections", AdminServiceServer.RebuildProjections),
		unary(AdminServiceName, "GetEventLogInfo", AdminServiceServer.GetEventLogInfo),
		unary(AdminServiceName, "VerifyIntegrity", AdminServiceServer.VerifyIntegrity),
	},
	Metadata: "cdpledger/v1/admin.json",
}

// ============================================================================
// Client
// ============================================================================

// Client calls both services over a connection using the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, service, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...)
}

func (c *Client) SubmitCommand(ctx context.Context, in *SubmitCommandRequest) (*CommandResponse, error) {
	out := new(CommandResponse)
	return out, c.invoke(ctx, CDPServiceName, "SubmitCommand", in, out)
}

func (c *Client) GetConfig(ctx context.Context, in *GetConfigRequest) (*query.ConfigResponse, error) {
	out := new(query.ConfigResponse)
	return out, c.invoke(ctx, CDPServiceName, "GetConfig", in, out)
}

func (c *Client) GetVault(ctx context.Context, in *GetVaultRequest) (*query.VaultResponse, error) {
	out := new(query.VaultResponse)
	return out, c.invoke(ctx, CDPServiceName, "GetVault", in, out)
}

func (c *Client) GetVaultHealth(ctx context.Context, in *GetVaultRequest) (*query.VaultHealth, error) {
	out := new(query.VaultHealth)
	return out, c.invoke(ctx, CDPServiceName, "GetVaultHealth", in, out)
}

func (c *Client) ListVaults(ctx context.Context, in *ListVaultsRequest) (*ListVaultsResponse, error) {
	out := new(ListVaultsResponse)
	return out, c.invoke(ctx, CDPServiceName, "ListVaults", in, out)
}

func (c *Client) InjectAssetDeposit(ctx context.Context, in *InjectAssetDepositRequest) (*CommandResponse, error) {
	out := new(CommandResponse)
	return out, c.invoke(ctx, AdminServiceName, "InjectAssetDeposit", in, out)
}

func (c *Client) InjectPrice(ctx context.Context, in *InjectPriceRequest) (*InjectPriceResponse, error) {
	out := new(InjectPriceResponse)
	return out, c.invoke(ctx, AdminServiceName, "InjectPrice", in, out)
}

func (c *Client) GetEventLogInfo(ctx context.Context, in *GetEventLogInfoRequest) (*GetEventLogInfoResponse, error) {
	out := new(GetEventLogInfoResponse)
	return out, c.invoke(ctx, AdminServiceName, "GetEventLogInfo", in, out)
}
