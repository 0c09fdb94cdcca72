// Copyright 2024-2026 Aiku AI

package matrix

import (
	"fmt"
	"regexp"

	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/appservice"
)

// RegistrationParams describes the namespaces the bridge claims.
type RegistrationParams struct {
	ID          string
	Address     string
	Domain      string
	BotUsername string
	GhostPrefix string
	AliasPrefix string
}

// GenerateRegistration creates a registration with fresh tokens. The bot,
// every ghost and every bridge alias are claimed exclusively.
func GenerateRegistration(p RegistrationParams) *appservice.Registration {
	reg := appservice.CreateRegistration()
	reg.ID = p.ID
	reg.URL = p.Address
	reg.SenderLocalpart = p.BotUsername
	reg.RateLimited = ptr.Ptr(false)
	domain := regexp.QuoteMeta(p.Domain)
	reg.Namespaces.UserIDs = appservice.NamespaceList{
		{Regex: fmt.Sprintf("^@%s:%s$", regexp.QuoteMeta(p.BotUsername), domain), Exclusive: true},
		{Regex: fmt.Sprintf("^@%s.+:%s$", regexp.QuoteMeta(p.GhostPrefix), domain), Exclusive: true},
	}
	reg.Namespaces.RoomAliases = appservice.NamespaceList{
		{Regex: fmt.Sprintf("^#%s.+:%s$", regexp.QuoteMeta(p.AliasPrefix), domain), Exclusive: true},
	}
	return reg
}
