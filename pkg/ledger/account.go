package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Role is the account role string as stored by the identity collaborator.
type Role string

const (
	RoleCoordinator Role = "MCP"
	RolePartner     Role = "PICKUP_PARTNER"
	// RolePartnerLegacy is the spelling the administrative adjustment path checks for.
	RolePartnerLegacy Role = "PickupPartner"
	RoleAdmin         Role = "ADMIN"
)

// ParseRole accepts only the known role spellings, preserving their case.
func ParseRole(raw string) (Role, error) {
	switch role := Role(strings.TrimSpace(raw)); role {
	case RoleCoordinator, RolePartner, RolePartnerLegacy, RoleAdmin:
		return role, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// String returns the stored role spelling.
func (role Role) String() string {
	return string(role)
}

// IsPartner reports whether the role is either partner spelling.
func (role Role) IsPartner() bool {
	return role == RolePartner || role == RolePartnerLegacy
}

// Capability is a permission derived from a role and checked by operations.
type Capability string

const (
	CapabilityFundWallet      Capability = "wallet:fund"
	CapabilityTransfer        Capability = "wallet:transfer"
	CapabilityAdjustWallet    Capability = "wallet:adjust"
	CapabilitySettle          Capability = "wallet:settle"
	CapabilityAuditPartners   Capability = "wallet:audit_partners"
	CapabilityAuditAll        Capability = "wallet:audit_all"
	CapabilitySettleAnyWallet Capability = "wallet:settle_any"
)

var roleCapabilities = map[Role][]Capability{
	RoleCoordinator: {CapabilityFundWallet, CapabilityTransfer, CapabilityAdjustWallet, CapabilitySettle, CapabilityAuditPartners},
	RoleAdmin:       {CapabilityAdjustWallet, CapabilitySettle, CapabilitySettleAnyWallet, CapabilityAuditPartners, CapabilityAuditAll},
}

// Account is the identity record a wallet belongs to.
type Account struct {
	ID            AccountID
	Name          string
	Role          Role
	CoordinatorID AccountID
	CreatedAt     time.Time
}

// NewAccount validates an account record. Partners may name their coordinator.
func NewAccount(id AccountID, name string, role Role, coordinatorID AccountID) (Account, error) {
	if id.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseRole(role.String()); err != nil {
		return Account{}, err
	}
	if !coordinatorID.IsZero() && !role.IsPartner() {
		return Account{}, fmt.Errorf("%w: only partners have a coordinator", ErrInvalidRole)
	}
	return Account{
		ID:            id,
		Name:          strings.TrimSpace(name),
		Role:          role,
		CoordinatorID: coordinatorID,
	}, nil
}

// DisplayName falls back to the id when no name is stored.
func (account Account) DisplayName() string {
	if account.Name == "" {
		return account.ID.String()
	}
	return account.Name
}

// IsCoordinatedBy reports whether coordinatorID is this account's parent coordinator.
func (account Account) IsCoordinatedBy(coordinatorID AccountID) bool {
	return !account.CoordinatorID.IsZero() && account.CoordinatorID == coordinatorID
}

// Caller is the authenticated principal an operation runs on behalf of.
type Caller struct {
	accountID    AccountID
	role         Role
	capabilities map[Capability]struct{}
}

// NewCaller builds a caller whose capabilities derive from role.
func NewCaller(accountID AccountID, role Role) (Caller, error) {
	if accountID.IsZero() {
		return Caller{}, fmt.Errorf("%w: empty caller", ErrInvalidAccountID)
	}
	parsedRole, err := ParseRole(role.String())
	if err != nil {
		return Caller{}, err
	}
	capabilities := make(map[Capability]struct{})
	for _, capability := range roleCapabilities[parsedRole] {
		capabilities[capability] = struct{}{}
	}
	return Caller{accountID: accountID, role: parsedRole, capabilities: capabilities}, nil
}

// AccountID returns the caller's account.
func (caller Caller) AccountID() AccountID {
	return caller.accountID
}

// Role returns the caller's role.
func (caller Caller) Role() Role {
	return caller.role
}

// Can reports whether the caller holds capability.
func (caller Caller) Can(capability Capability) bool {
	_, ok := caller.capabilities[capability]
	return ok
}
