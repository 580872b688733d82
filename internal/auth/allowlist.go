package auth

import (
	"whatsapp-gateway/internal/model"
	"whatsapp-gateway/internal/util"
)

// Allowlist is the set of phone numbers permitted to authenticate. Admin
// phones are a subset that receive the admin role on verification. All
// entries are normalized to E.164 at construction; malformed entries are
// dropped.
type Allowlist struct {
	allowed map[string]struct{}
	admins  map[string]struct{}
}

func NewAllowlist(allowed, admins []string) *Allowlist {
	l := &Allowlist{
		allowed: make(map[string]struct{}, len(allowed)),
		admins:  make(map[string]struct{}, len(admins)),
	}
	for _, p := range allowed {
		if normalized, err := util.NormalizePhone(p); err == nil {
			l.allowed[normalized] = struct{}{}
		}
	}
	for _, p := range admins {
		if normalized, err := util.NormalizePhone(p); err == nil {
			l.admins[normalized] = struct{}{}
			l.allowed[normalized] = struct{}{}
		}
	}
	return l
}

// Contains expects a normalized phone number.
func (l *Allowlist) Contains(phone string) bool {
	_, ok := l.allowed[phone]
	return ok
}

// RoleFor returns the role granted to the phone after verification.
func (l *Allowlist) RoleFor(phone string) string {
	if _, ok := l.admins[phone]; ok {
		return model.RoleAdmin
	}
	return model.RoleUser
}

// Empty reports whether no phones are configured at all.
func (l *Allowlist) Empty() bool {
	return len(l.allowed) == 0
}
