package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Profile is the document kept per user in the profile store
type Profile struct {
	UserID    int64     `json:"user_id" bson:"user_id" dynamodbav:"user_id"`
	Age       *int      `json:"age" bson:"age" dynamodbav:"age"`
	DOB       *string   `json:"dob" bson:"dob" dynamodbav:"dob"`
	Contact   *string   `json:"contact" bson:"contact" dynamodbav:"contact"`
	Address   *string   `json:"address" bson:"address" dynamodbav:"address"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at" dynamodbav:"updated_at"`
}

// ProfileView is what GET /profile returns. A zero view renders as {}.
type ProfileView struct {
	Age       *int       `json:"age"`
	DOB       *string    `json:"dob"`
	Contact   *string    `json:"contact"`
	Address   *string    `json:"address"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// View drops the store keys
func (p *Profile) View() ProfileView {
	if p == nil {
		return ProfileView{}
	}
	updated := p.UpdatedAt
	return ProfileView{
		Age:       p.Age,
		DOB:       p.DOB,
		Contact:   p.Contact,
		Address:   p.Address,
		UpdatedAt: &updated,
	}
}

// IsEmpty reports whether no profile document backs this view
func (v ProfileView) IsEmpty() bool {
	return v.Age == nil && v.DOB == nil && v.Contact == nil && v.Address == nil && v.UpdatedAt == nil
}

// MarshalJSON renders an empty view as {} instead of a set of nulls
func (v ProfileView) MarshalJSON() ([]byte, error) {
	if v.IsEmpty() {
		return []byte("{}"), nil
	}
	type view ProfileView
	return json.Marshal(view(v))
}

// ProfileFields is the client-supplied part of a profile update
type ProfileFields struct {
	Age     FlexibleInt `json:"age"`
	DOB     *string     `json:"dob"`
	Contact *string     `json:"contact"`
	Address *string     `json:"address"`
}

// ProfileUpdateRequest represents the POST /profile payload
type ProfileUpdateRequest struct {
	Action  string        `json:"action"`
	Profile ProfileFields `json:"profile"`
}

// ProfileResponse represents the GET /profile payload
type ProfileResponse struct {
	Success bool        `json:"success"`
	User    PublicUser  `json:"user"`
	Profile ProfileView `json:"profile"`
}

// MessageResponse is a bare confirmation
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// FlexibleInt accepts a JSON number, a numeric string, an empty string or null.
// Set is false for null, omitted and empty-string input.
type FlexibleInt struct {
	Value   int
	Set     bool
	Raw     string
	Invalid bool
}

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexibleInt) UnmarshalJSON(data []byte) error {
	*f = FlexibleInt{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		f.Raw = s
		n, err := strconv.Atoi(s)
		if err != nil {
			f.Invalid = true
			return nil
		}
		f.Value, f.Set = n, true
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("age must be a number: %w", err)
	}
	if n > math.MaxInt32 || n < math.MinInt32 {
		f.Raw = string(data)
		f.Invalid = true
		return nil
	}
	f.Value, f.Set = int(n), true
	return nil
}

// IntPtr returns nil when no value was supplied
func (f FlexibleInt) IntPtr() *int {
	if !f.Set {
		return nil
	}
	v := f.Value
	return &v
}

// NullableString maps nil, empty and whitespace-only input to nil
func NullableString(s *string) *string {
	if s == nil {
		return nil
	}
	if strings.TrimSpace(*s) == "" {
		return nil
	}
	v := *s
	return &v
}
