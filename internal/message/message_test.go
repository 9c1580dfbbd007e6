package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Address
		wantErr bool
	}{
		{
			name: "simple",
			raw:  "User@Example.COM",
			want: Address{Original: "user@example.com", User: "user", Host: "example.com"},
		},
		{
			name: "angle brackets stripped",
			raw:  "<bob@mail.test>",
			want: Address{Original: "bob@mail.test", User: "bob", Host: "mail.test"},
		},
		{
			name: "null sender",
			raw:  "<>",
			want: Address{},
		},
		{
			name: "last at sign splits user and host",
			raw:  "weird@user@host.test",
			want: Address{Original: "weird@user@host.test", User: "weird@user", Host: "host.test"},
		},
		{
			name:    "no host",
			raw:     "nohost",
			wantErr: true,
		},
		{
			name:    "empty host",
			raw:     "user@",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewAddress(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddressIsNull(t *testing.T) {
	assert.True(t, MustAddress("<>").IsNull())
	assert.False(t, MustAddress("user@host.test").IsNull())
}

func TestWithTargetClonesHeaders(t *testing.T) {
	orig := Transport{
		MailFrom: MustAddress("sender@origin.test"),
		RcptTo: []Address{
			MustAddress("a@one.test"),
			MustAddress("b@two.test"),
		},
		Headers: Headers{
			"subject":           {"hello"},
			HeaderDirectPostURL: {"https://direct.test/post"},
		},
	}

	clone := orig.WithTarget(orig.RcptTo[0])

	require.NotNil(t, clone.Target)
	assert.Equal(t, "a@one.test", clone.Target.Original)
	assert.Nil(t, clone.RcptTo)

	// Reserved headers survive the clone verbatim.
	assert.Equal(t, "https://direct.test/post", clone.Headers.First(HeaderDirectPostURL))

	// Mutating the clone's headers must not alias the original.
	clone.Headers["subject"] = []string{"changed"}
	assert.Equal(t, "hello", orig.Headers.First("subject"))
}

func TestExtractGUIDOrder(t *testing.T) {
	target := MustAddress("rcpt@host.test")
	target.GUID = "g2"
	tr := &Transport{
		GUID:    "g1",
		Target:  &target,
		Headers: Headers{HeaderGUID: {"g3"}},
	}

	// Item-level guid wins over everything.
	assert.Equal(t, "g0", ExtractGUID("g0", tr))
	// transport.guid beats target.guid.
	assert.Equal(t, "g1", ExtractGUID("", tr))

	tr.GUID = ""
	assert.Equal(t, "g2", ExtractGUID("", tr))

	tr.Target.GUID = ""
	assert.Equal(t, "g3", ExtractGUID("", tr))

	// Multi-valued GUID header is ambiguous, treated as absent.
	tr.Headers[HeaderGUID] = []string{"g3", "g4"}
	assert.Equal(t, "", ExtractGUID("", tr))

	assert.Equal(t, "", ExtractGUID("", nil))
}

func TestHeadersFirstCaseInsensitive(t *testing.T) {
	h := Headers{"X-Mixed-Case": {"v1", "v2"}}
	assert.Equal(t, "v1", h.First("x-mixed-case"))
	assert.Equal(t, "", h.Single("x-mixed-case"))
	assert.Equal(t, "", Headers(nil).First("anything"))
}

func TestCopyRoutingHeaders(t *testing.T) {
	src := Headers{
		HeaderDirectConfig: {"tenant-a"},
		HeaderGUID:         {"email_abc"},
		"subject":          {"not copied"},
	}
	dst := CopyRoutingHeaders(src, Headers{"existing": {"kept"}})

	assert.Equal(t, "tenant-a", dst.First(HeaderDirectConfig))
	assert.Equal(t, "email_abc", dst.First(HeaderGUID))
	assert.Equal(t, "kept", dst.First("existing"))
	assert.Equal(t, "", dst.First("subject"))
}

func TestGenerateGUID(t *testing.T) {
	g1 := GenerateGUID()
	g2 := GenerateGUID()
	assert.True(t, strings.HasPrefix(g1, "email_"))
	assert.Len(t, g1, len("email_")+24)
	assert.NotEqual(t, g1, g2)
}
