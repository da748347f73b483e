package cache

import (
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachekey "github.com/always-cache/filecache/pkg/cache-key"
)

func withLanguage(req Request, lang string) Request {
	req.Header = http.Header{"Accept-Language": {lang}}
	return req
}

func TestVaryStoresVariants(t *testing.T) {
	c := openCache(t, Config{})
	warm(t, c)
	base := request("/page", Policy{})
	main := cachekey.Sum(base.Keys...)
	vary := Meta{Valid: time.Now().Add(time.Hour), Vary: "Accept-Language"}

	store(t, c, withLanguage(base, "en"), "english", vary)

	fr, err := c.Lookup(withLanguage(base, "fr"))
	require.NoError(t, err)
	require.Equal(t, Miss, fr.Status)
	assert.NotEqual(t, main, fr.Key(), "looked up under the variant key")
	populate(t, c, fr, "french", vary)
	require.NoError(t, fr.Close())

	for lang, want := range map[string]string{"en": "english", "fr": "french"} {
		e, err := c.Lookup(withLanguage(base, lang))
		require.NoError(t, err)
		assert.Equal(t, Hit, e.Status, lang)
		assert.Equal(t, want, body(t, e), lang)
		require.NoError(t, e.Close())
	}
	assert.Equal(t, int64(2), c.Stats().Entries)

	purged, err := c.Purge(withLanguage(base, "fr"))
	require.NoError(t, err)
	assert.True(t, purged)
	assert.Equal(t, int64(0), c.Stats().Entries, "main entry and variant are purged")
}

func TestVaryNormalisesAcceptHeaders(t *testing.T) {
	c := openCache(t, Config{})
	warm(t, c)
	base := request("/page", Policy{})

	store(t, c, withLanguage(base, "en, fr"), "both", Meta{Valid: time.Now().Add(time.Hour), Vary: "Accept-Language"})

	e, err := c.Lookup(withLanguage(base, "fr,en"))
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Hit, e.Status)
}

func TestVaryRemovedSwitchesToMainKey(t *testing.T) {
	c := openCache(t, Config{})
	warm(t, c)
	base := request("/page", Policy{})
	main := cachekey.Sum(base.Keys...)

	store(t, c, withLanguage(base, "en"), "english", Meta{Valid: time.Now().Add(time.Hour), Vary: "Accept-Language"})

	fr, err := c.Lookup(withLanguage(base, "fr"))
	require.NoError(t, err)
	defer fr.Close()
	require.Equal(t, Miss, fr.Status)
	require.NotEqual(t, main, fr.Key())

	populate(t, c, fr, "for everyone", Meta{Valid: time.Now().Add(time.Hour)})
	assert.Equal(t, main, fr.Key())

	e, err := c.Lookup(withLanguage(base, "en"))
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Hit, e.Status)
	assert.Equal(t, "for everyone", body(t, e))
	assert.Equal(t, main, e.Key())
}

func TestVariantMismatchIsNotRekeyed(t *testing.T) {
	c := openCache(t, Config{})
	warm(t, c)
	base := request("/page", Policy{})
	main := cachekey.Sum(base.Keys...)
	vary := Meta{Valid: time.Now().Add(time.Hour), Vary: "Accept-Language"}

	store(t, c, withLanguage(base, "en"), "english", vary)
	fr, err := c.Lookup(withLanguage(base, "fr"))
	require.NoError(t, err)
	require.Equal(t, Miss, fr.Status)
	variant := fr.Key()
	populate(t, c, fr, "french", vary)
	require.NoError(t, fr.Close())

	// the variant file now carries the hash of another variant
	data, err := os.ReadFile(c.path(main))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(c.path(variant), data, 0o600))

	e, err := c.Lookup(withLanguage(base, "fr"))
	require.NoError(t, err)
	assert.Equal(t, Miss, e.Status)
	assert.Equal(t, variant, e.Key(), "the lookup stays on the variant key")
	populate(t, c, e, "french again", vary)
	require.NoError(t, e.Close())

	e, err = c.Lookup(withLanguage(base, "fr"))
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, Hit, e.Status)
	assert.Equal(t, "french again", body(t, e))
}
