package auth

// Authorizer decides who may use admin endpoints.
type Authorizer struct {
	adminsIDs map[string]bool
}

func NewAuthorizer(admins []string) *Authorizer {
	adminMap := make(map[string]bool, len(admins))
	for _, id := range admins {
		adminMap[id] = true
	}
	return &Authorizer{adminsIDs: adminMap}
}

func (a *Authorizer) IsAdmin(userID string) bool {
	return a.adminsIDs[userID]
}
