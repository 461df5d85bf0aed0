package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/object"
	"github.com/NicabarNimble/go-gitclone/internal/packfile/packtest"
	"github.com/NicabarNimble/go-gitclone/internal/transport/transporttest"
)

func fixtureAdvertisement(t *testing.T) (*Advertisement, *packtest.Fixture) {
	t.Helper()
	fixture := packtest.NewFixture()
	var buf bytes.Buffer
	require.NoError(t, transporttest.FromFixture(fixture).WriteAdvertisement(&buf, false))
	adv, err := ParseAdvertisement(&buf, false)
	require.NoError(t, err)
	return adv, fixture
}

func TestSelectRefs(t *testing.T) {
	adv, fx := fixtureAdvertisement(t)

	tests := []struct {
		name     string
		sel      Selection
		branches []string
		wants    []object.Hash
		tags     int
	}{
		{
			name:     "all branches",
			sel:      Selection{Primary: "main", All: true},
			branches: []string{"dev", "main"},
			wants:    []object.Hash{fx.Main, fx.Dev},
		},
		{
			name:     "all branches with tags",
			sel:      Selection{Primary: "main", All: true, Tags: true},
			branches: []string{"dev", "main"},
			wants:    []object.Hash{fx.Main, fx.Dev, fx.Tag},
			tags:     1,
		},
		{
			name:     "default single branch",
			sel:      Selection{Primary: "main"},
			branches: []string{"main"},
			wants:    []object.Hash{fx.Main},
		},
		{
			name:     "explicit set is deduplicated",
			sel:      Selection{Primary: "main", Branches: []string{"dev", "refs/heads/dev", "main"}},
			branches: []string{"dev", "main"},
			wants:    []object.Hash{fx.Main, fx.Dev},
		},
		{
			name:     "primary outside explicit set is still fetched",
			sel:      Selection{Primary: "main", Branches: []string{"dev"}},
			branches: []string{"dev"},
			wants:    []object.Hash{fx.Main, fx.Dev},
		},
		{
			name:     "explicit set keeps advertised tags for include-tag",
			sel:      Selection{Primary: "dev", Branches: []string{"dev"}, Tags: true},
			branches: []string{"dev"},
			wants:    []object.Hash{fx.Dev},
			tags:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectRefs(adv, tt.sel)
			require.NoError(t, err)
			assert.Equal(t, tt.branches, got.BranchNames())
			assert.Equal(t, tt.wants, got.Wants)
			assert.Len(t, got.Tags, tt.tags)
			assert.Equal(t, "refs/heads/"+NormalizeBranch(tt.sel.Primary), got.Primary.Name)
		})
	}
}

func TestSelectedFetched(t *testing.T) {
	adv, _ := fixtureAdvertisement(t)
	got, err := SelectRefs(adv, Selection{Primary: "main", Branches: []string{"dev"}})
	require.NoError(t, err)

	var names []string
	for _, r := range got.Fetched() {
		names = append(names, r.ShortName())
	}
	assert.Equal(t, []string{"dev", "main"}, names)
}

func TestSelectRefsNotFound(t *testing.T) {
	adv, _ := fixtureAdvertisement(t)

	tests := []struct {
		name string
		sel  Selection
	}{
		{"missing primary", Selection{Primary: "master", All: true}},
		{"missing explicit branch", Selection{Primary: "main", Branches: []string{"main", "nope"}}},
		{"tag is not a branch", Selection{Primary: "v1.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SelectRefs(adv, tt.sel)
			assert.ErrorIs(t, err, clonerr.ErrRefNotFound)
		})
	}
}

func TestNormalizeBranch(t *testing.T) {
	assert.Equal(t, "main", NormalizeBranch("refs/heads/main"))
	assert.Equal(t, "feature/x", NormalizeBranch(" feature/x "))
}
