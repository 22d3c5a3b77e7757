package directory

import (
	"net/url"
	"strings"

	"github.com/block-directory/block-directory/internal/config"
)

// mainFileSuffixLen is stripped from a local main file to get its resource path
const mainFileSuffixLen = 4

// LinkBuilder computes the hypermedia relations of an Item.
type LinkBuilder struct {
	baseURL     string
	installPath string
	pluginPath  string
}

// NewLinkBuilder creates a LinkBuilder rooted at baseURL.
func NewLinkBuilder(baseURL string, cfg config.LinksConfig) *LinkBuilder {
	return &LinkBuilder{
		baseURL:     strings.TrimRight(baseURL, "/"),
		installPath: "/" + strings.Trim(cfg.InstallPath, "/"),
		pluginPath:  "/" + strings.Trim(cfg.PluginPath, "/"),
	}
}

// Build returns the install relation for slug and, when localFile is non-empty,
// an embeddable relation to the installed module it identifies.
func (b *LinkBuilder) Build(slug, localFile string) Links {
	links := Links{
		Install: []Link{{Href: b.InstallHref(slug)}},
	}
	if localFile != "" {
		links.Plugin = []Link{{Href: b.PluginHref(localFile), Embeddable: true}}
	}
	return links
}

// InstallHref points at the installer resource for slug.
func (b *LinkBuilder) InstallHref(slug string) string {
	return b.baseURL + b.installPath + "?" + url.Values{"slug": {slug}}.Encode()
}

// PluginHref points at the installed module identified by localFile, e.g.
// "gallery/gallery.php" becomes ".../gallery/gallery". The last four
// characters are dropped without checking they are the extension; a name of
// four characters or fewer is used unchanged.
func (b *LinkBuilder) PluginHref(localFile string) string {
	resource := localFile
	if len(resource) > mainFileSuffixLen {
		resource = resource[:len(resource)-mainFileSuffixLen]
	}
	return b.baseURL + b.pluginPath + "/" + strings.TrimLeft(resource, "/")
}
