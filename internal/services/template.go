package services

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/diewo77/go-crm/internal/models"
)

// Contract bodies use {{name}} placeholders over a fixed variable set. The
// renderer is deterministic and pure: unknown placeholders stay verbatim so a
// typo is visible in the output instead of silently vanishing.

var placeholderRegex = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)

// RenderTemplate substitutes known variables into body.
func RenderTemplate(body string, vars map[string]string) string {
	return placeholderRegex.ReplaceAllStringFunc(body, func(m string) string {
		name := placeholderRegex.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// ContractVars builds the substitution set for a contract and its parties.
func ContractVars(c *models.Contract, contact *models.Contact, account *models.Account) map[string]string {
	vars := map[string]string{
		"contract_title": c.Title,
		"version":        fmt.Sprintf("%d", c.Version),
		"response_time":  fmt.Sprintf("%dh", c.ResponseTimeHours),
		"uptime":         strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", c.UptimePercent), "0"), ".") + "%",
		"effective_date": "",
		"expiry_date":    "",
		"client_name":    "",
		"company_name":   "",
	}
	if c.EffectiveDate != nil {
		vars["effective_date"] = c.EffectiveDate.Format("2006-01-02")
	}
	if c.ExpiryDate != nil {
		vars["expiry_date"] = c.ExpiryDate.Format("2006-01-02")
	}
	if contact != nil {
		vars["client_name"] = strings.TrimSpace(contact.FirstName + " " + contact.LastName)
	}
	if account != nil {
		vars["company_name"] = account.Name
	}
	return vars
}
