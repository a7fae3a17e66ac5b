package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

var defaultSubjects = map[string]string{
	"verify_email":   "Verifica tu correo electrónico",
	"password_reset": "Restablece tu contraseña",
	"trial_reminder": "Tu período de prueba está por terminar",
}

// Render executes the named template and resolves its subject.
func Render(templateName string, data map[string]any) (string, string, error) {
	tmpl := templates.Lookup(templateName + ".html")
	if tmpl == nil {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTemplate, templateName)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("failed to execute template %s: %w", templateName, err)
	}

	subject := defaultSubjects[templateName]
	if subj, ok := data["subject"].(string); ok && strings.TrimSpace(subj) != "" {
		subject = subj
	}
	return subject, body.String(), nil
}
