package outreach

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"lead-nurture-go/internal/lead"
	"lead-nurture-go/internal/mail"
)

// Template is the raw subject and body of one outreach step
type Template struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// TemplateSet maps a step number to its template
type TemplateSet map[int]Template

// DefaultTemplates is the built-in three-message sequence
var DefaultTemplates = TemplateSet{
	1: {
		Subject: "Quick question about {{.Business}}",
		Body: `Hi {{.Greeting}},

I came across {{.Business}} and noticed customers mention calls going unanswered during busy hours.

We set up an AI receptionist that picks up every call, books the job and texts you the details. Would a short demo be useful?

{{.Signature}}`,
	},
	2: {
		Subject: "Following up: {{.Business}}",
		Body: `Hi {{.Greeting}},

Just checking if you saw my previous email. I know things get buried!

Are you still dealing with missed calls during busy hours?

{{.Signature}}`,
	},
	3: {
		Subject: "Last try: {{.Business}}",
		Body: `Hi {{.Greeting}},

I haven't heard back, so I assume you're all set with your current phone handling.

I'll stop reaching out now. If you ever need to automate your lead capture, feel free to reply.

{{.Signature}}`,
	},
}

// data is what templates can reference
type data struct {
	Greeting  string
	Business  string
	Website   string
	Step      int
	Signature string
}

// Renderer renders outreach content from a static template set
type Renderer struct {
	subjects  map[int]*template.Template
	bodies    map[int]*template.Template
	signature string
}

// NewRenderer parses set. Every step from 1 to lead.MaxStep must be present.
func NewRenderer(set TemplateSet, signature string) (*Renderer, error) {
	r := &Renderer{
		subjects:  make(map[int]*template.Template, len(set)),
		bodies:    make(map[int]*template.Template, len(set)),
		signature: signature,
	}
	if r.signature == "" {
		r.signature = "Best,\nThe Outreach Team"
	}

	for step := 1; step <= lead.MaxStep; step++ {
		tmpl, ok := set[step]
		if !ok {
			return nil, fmt.Errorf("missing template for step %d", step)
		}
		subject, err := template.New(fmt.Sprintf("subject-%d", step)).Option("missingkey=error").Parse(tmpl.Subject)
		if err != nil {
			return nil, fmt.Errorf("failed to parse subject for step %d: %w", step, err)
		}
		body, err := template.New(fmt.Sprintf("body-%d", step)).Option("missingkey=error").Parse(tmpl.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse body for step %d: %w", step, err)
		}
		r.subjects[step] = subject
		r.bodies[step] = body
	}
	return r, nil
}

// LoadTemplates reads a YAML template set from path, falling back to the
// defaults for steps the file leaves out. An empty path returns the defaults.
func LoadTemplates(path string) (TemplateSet, error) {
	set := TemplateSet{}
	for k, v := range DefaultTemplates {
		set[k] = v
	}
	if path == "" {
		return set, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}

	var file struct {
		Steps map[int]Template `yaml:"steps"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates file: %w", err)
	}
	for step, tmpl := range file.Steps {
		if step < 1 || step > lead.MaxStep {
			return nil, fmt.Errorf("template step %d outside 1..%d", step, lead.MaxStep)
		}
		set[step] = tmpl
	}
	return set, nil
}

// Render returns the content of outreach message number step for l
func (r *Renderer) Render(l lead.Lead, step int) (mail.Content, error) {
	subject, ok := r.subjects[step]
	if !ok {
		return mail.Content{}, fmt.Errorf("no template for step %d", step)
	}
	if l.Contact.Email == "" {
		return mail.Content{}, fmt.Errorf("%w: lead %s has no email address", lead.ErrInvariantViolation, l.ID)
	}

	d := data{
		Greeting:  greeting(l.Contact.Owner),
		Business:  l.Contact.Name,
		Website:   l.Contact.Website,
		Step:      step,
		Signature: r.signature,
	}
	if d.Business == "" {
		d.Business = "your business"
	}

	var subj, body bytes.Buffer
	if err := subject.Execute(&subj, d); err != nil {
		return mail.Content{}, fmt.Errorf("failed to render subject: %w", err)
	}
	if err := r.bodies[step].Execute(&body, d); err != nil {
		return mail.Content{}, fmt.Errorf("failed to render body: %w", err)
	}

	return mail.Content{
		To:      l.Contact.Email,
		Subject: strings.TrimSpace(subj.String()),
		Body:    body.String(),
	}, nil
}

func greeting(owner string) string {
	owner = strings.TrimSpace(owner)
	if owner == "" || strings.EqualFold(owner, "not found") {
		return "there"
	}
	return owner
}
