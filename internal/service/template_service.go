// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// RenderContent personalises campaign content for one recipient. {phone} is always available.
func RenderContent(content string, r model.Recipient) string {
	if !strings.Contains(content, "{") {
		return content
	}
	data := make(map[string]string, len(r.Vars)+1)
	for k, v := range r.Vars {
		data[k] = v
	}
	data["phone"] = r.Phone
	return RenderTemplate(content, data)
}
