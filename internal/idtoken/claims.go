package idtoken

import "github.com/golang-jwt/jwt/v5"

// Claims are the identity claims carried by an OpenID Connect ID token.
type Claims struct {
	jwt.RegisteredClaims

	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Email      string `json:"email,omitempty"`
	Picture    string `json:"picture,omitempty"`
}

// DisplayName returns the best human-readable name for the user: the email
// address, then the full name, then the subject identifier.
func (c *Claims) DisplayName() string {
	if c.Email != "" {
		return c.Email
	}
	if name := c.FullName(); name != "" {
		return name
	}
	return c.Subject
}

// FullName returns the name claim, or given and family name joined when
// the provider omits it.
func (c *Claims) FullName() string {
	if c.Name != "" {
		return c.Name
	}
	switch {
	case c.GivenName != "" && c.FamilyName != "":
		return c.GivenName + " " + c.FamilyName
	case c.GivenName != "":
		return c.GivenName
	default:
		return c.FamilyName
	}
}
