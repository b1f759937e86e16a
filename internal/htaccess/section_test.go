package htaccess

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpliceReplacesExistingSection(t *testing.T) {
	content := "top\n" + BeginMarker + "\nold\n" + EndMarker + "\nbottom\n"
	got := Splice(content, "new")
	assert.Equal(t, "top\n"+BeginMarker+"\nnew\n"+EndMarker+"\nbottom\n", got)
	assert.Equal(t, got, Splice(got, "new"))
}

func TestStripWithoutSectionIsNoop(t *testing.T) {
	assert.Equal(t, "plain\n", Strip("plain\n"))
}

func TestGenerateRules(t *testing.T) {
	rules := Generate(RuleOptions{
		CachePath:     "/cache/pages/",
		BypassCookies: []string{"wordpress_logged_in_", "comment_author_"},
		ExcludedPaths: []string{"/wp-admin", "/cart"},
		MarkerParam:   "any_cache_preload",
	})

	assert.True(t, strings.HasPrefix(rules, BeginMarker+"\n"))
	assert.True(t, strings.HasSuffix(rules, EndMarker+"\n"))
	assert.Contains(t, rules, "RewriteCond %{HTTP:Cookie} !(wordpress_logged_in_|comment_author_) [NC]")
	assert.Contains(t, rules, "RewriteCond %{REQUEST_URI} !^/(wp-admin|cart) [NC]")
	assert.Contains(t, rules, "RewriteRule .* /cache/pages/%{HTTP_HOST}%{REQUEST_URI}/index.html [L]")
	assert.Contains(t, rules, "!any_cache_preload=")

	inner, ok := Managed(Splice("", rules))
	assert.True(t, ok)
	assert.NotContains(t, inner, BeginMarker)
}
