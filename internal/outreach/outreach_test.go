package outreach

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-nurture-go/internal/lead"
)

func testLead() lead.Lead {
	return lead.Lead{
		ID: "l1",
		Contact: lead.Contact{
			Name:  "Ace Plumbing",
			Owner: "Not found",
			Email: "owner@aceplumbing.com",
		},
	}
}

func TestRenderDefaults(t *testing.T) {
	r, err := NewRenderer(DefaultTemplates, "Cheers,\nSam")
	require.NoError(t, err)

	c, err := r.Render(testLead(), 2)
	require.NoError(t, err)
	assert.Equal(t, "owner@aceplumbing.com", c.To)
	assert.Equal(t, "Following up: Ace Plumbing", c.Subject)
	assert.Contains(t, c.Body, "Hi there,")
	assert.Contains(t, c.Body, "Cheers,\nSam")

	l := testLead()
	l.Contact.Owner = "Maria"
	c, err = r.Render(l, 3)
	require.NoError(t, err)
	assert.Contains(t, c.Body, "Hi Maria,")
	assert.Equal(t, "Last try: Ace Plumbing", c.Subject)
}

func TestRenderIsPure(t *testing.T) {
	r, err := NewRenderer(DefaultTemplates, "")
	require.NoError(t, err)

	a, err := r.Render(testLead(), 1)
	require.NoError(t, err)
	b, err := r.Render(testLead(), 1)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRenderErrors(t *testing.T) {
	r, err := NewRenderer(DefaultTemplates, "")
	require.NoError(t, err)

	_, err = r.Render(testLead(), 4)
	assert.Error(t, err)

	l := testLead()
	l.Contact.Email = ""
	_, err = r.Render(l, 1)
	assert.ErrorIs(t, err, lead.ErrInvariantViolation)
}

func TestNewRendererRequiresEveryStep(t *testing.T) {
	_, err := NewRenderer(TemplateSet{1: DefaultTemplates[1]}, "")
	assert.Error(t, err)

	bad := TemplateSet{1: {Subject: "{{.Nope", Body: ""}, 2: DefaultTemplates[2], 3: DefaultTemplates[3]}
	_, err = NewRenderer(bad, "")
	assert.Error(t, err)
}

func TestLoadTemplates(t *testing.T) {
	set, err := LoadTemplates("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTemplates[1], set[1])

	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
steps:
  2:
    subject: "Checking in, {{.Greeting}}"
    body: "Any thoughts?"
`), 0o644))

	set, err = LoadTemplates(path)
	require.NoError(t, err)
	assert.Equal(t, "Checking in, {{.Greeting}}", set[2].Subject)
	assert.Equal(t, DefaultTemplates[3], set[3])

	require.NoError(t, os.WriteFile(path, []byte("steps:\n  7:\n    subject: x\n"), 0o644))
	_, err = LoadTemplates(path)
	assert.Error(t, err)
}
