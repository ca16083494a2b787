package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserName(t *testing.T) {
	tests := []struct {
		user User
		want string
	}{
		{User{ID: "u1", LoginName: "amina@example.com", DisplayName: "Amina"}, "Amina"},
		{User{ID: "u1", LoginName: "amina@example.com"}, "amina@example.com"},
		{User{ID: "u1"}, "u1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.user.Name())
	}
}
