// Package responsetransformer rewrites the caching headers of origin
// responses by path.
package responsetransformer

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule matches responses to GET and HEAD requests. Empty fields match
// everything; Status defaults to 200.
type Rule struct {
	Prefix   string            `yaml:"prefix,omitempty" mapstructure:"prefix"`
	Path     string            `yaml:"path,omitempty" mapstructure:"path"`
	Status   int               `yaml:"status,omitempty" mapstructure:"status"`
	Query    map[string]string `yaml:"query,omitempty" mapstructure:"query"`
	Default  string            `yaml:"default,omitempty" mapstructure:"default"`
	Override string            `yaml:"override,omitempty" mapstructure:"override"`
	Headers  map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
}

// Apply rewrites res with the first matching rule. It has the signature of
// httputil.ReverseProxy.ModifyResponse.
func (r Rules) Apply(res *http.Response) error {
	if rule := r.find(res); rule != nil {
		applyRuleToResponse(*rule, res)
	}
	return nil
}

func applyRuleToResponse(rule Rule, res *http.Response) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		res.Header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && res.Header.Get("Cache-Control") == "" && res.Header.Get("Expires") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		res.Header.Set(name, value)
	}
}

func (r Rules) find(res *http.Response) *Rule {
	req := res.Request
	if req == nil || (req.Method != http.MethodGet && req.Method != http.MethodHead) {
		return nil
	}
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
rulesLoop:
	for i, rule := range r {
		status := rule.Status
		if status == 0 {
			status = http.StatusOK
		}
		if status != res.StatusCode {
			continue
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &r[i]
	}
	return nil
}
