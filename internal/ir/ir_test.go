package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref      string
		wantAddr string
		wantAttr string
		wantOK   bool
	}{
		{"ptr://gcp:SQL.Instance/db/connectionName", "gcp:SQL.Instance.db", "connectionName", true},
		{"ptr://random:Password/db_password/result", "random:Password.db_password", "result", true},
		{"ptr://gcp:Run.Service/app", "gcp:Run.Service.app", "", true},
		{"ptr://short", "", "", false},
		{"plain", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			addr, attr, ok := ParseRef(tt.ref)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantAddr, addr)
			assert.Equal(t, tt.wantAttr, attr)
		})
	}
}

func TestRefBuildsParsableReference(t *testing.T) {
	ref := Ref("gcp:IAM.ServiceAccount", "runtime", "email")
	assert.Equal(t, "ptr://gcp:IAM.ServiceAccount/runtime/email", ref)
	assert.Equal(t, "${ptr://gcp:IAM.ServiceAccount/runtime/email}", Embed(ref))

	addr, attr, ok := ParseRef(ref)
	assert.True(t, ok)
	assert.Equal(t, "gcp:IAM.ServiceAccount.runtime", addr)
	assert.Equal(t, "email", attr)
}

func TestStateLookupAndRemove(t *testing.T) {
	s := NewState()
	s.Resources = []*ResourceState{
		{Type: "gcp:SQL.Instance", Name: "db"},
		{Type: "gcp:SQL.Database", Name: "app"},
	}

	assert.NotNil(t, s.Lookup("gcp:SQL.Database.app"))
	assert.Nil(t, s.Lookup("gcp:SQL.User.app"))

	assert.True(t, s.Remove("gcp:SQL.Instance.db"))
	assert.False(t, s.Remove("gcp:SQL.Instance.db"))
	assert.Len(t, s.Resources, 1)
}
