package auth

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	platformauth "github.com/zenGate-Global/palmyra-farmops/platform/go/auth"
)

func TestDevTokenCommandMintsVerifiableToken(t *testing.T) {
	cmd := Command()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"devtoken",
		"--project-id", "farmops-dev",
		"--user-id", "dev-root",
		"--email", "root@example.com",
		"--roles", "super_admin",
	})
	require.NoError(t, cmd.Execute())

	token := strings.TrimSpace(out.String())
	claims, err := platformauth.UnsignedTokenVerifier()(context.Background(), token)
	require.NoError(t, err)

	creds, err := platformauth.DefaultCredentialExtractor(claims)
	require.NoError(t, err)
	require.Equal(t, "dev-root", creds.Id)
	require.True(t, creds.HasRole("super_admin"))
	require.Nil(t, creds.TenantID)
}

func TestDevTokenCommandRequiresEmail(t *testing.T) {
	cmd := Command()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"devtoken", "--project-id", "farmops-dev", "--user-id", "dev-root"})
	require.Error(t, cmd.Execute())
}
