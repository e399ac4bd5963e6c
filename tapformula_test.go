package zerobrew

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTapFormulaRef(t *testing.T) {
	ref := parseTapFormulaRef("myorg/my-tap/myformula")
	require.NotNil(t, ref)
	require.Equal(t, "myorg", ref.Owner)
	require.Equal(t, "my-tap", ref.Repo)
	require.Equal(t, "myformula", ref.Formula)

	require.Nil(t, parseTapFormulaRef("myformula"))
	require.Nil(t, parseTapFormulaRef("myorg/myformula"))
	require.Nil(t, parseTapFormulaRef("myorg//myformula"))
	require.Nil(t, parseTapFormulaRef("a/b/c/d"))
}

const sampleTapFormula = `class Widget < Formula
  desc "Example widget"
  homepage "https://example.test/widget"
  url "https://example.test/widget-1.4.2.tar.gz"
  sha256 "deadbeef"
  revision 2

  depends_on "openssl@3"
  depends_on "cmake" => :build
  depends_on "bats" => :test
  depends_on "readline"

  bottle do
    root_url "https://ghcr.io/v2/myorg/homebrew-widget"
    rebuild 1
    sha256 cellar: :any, arm64_sonoma: "1111111111111111111111111111111111111111111111111111111111111111"
    sha256 cellar: :any, x86_64_linux: "2222222222222222222222222222222222222222222222222222222222222222"
  end

  def install
    system "make", "install"
  end
end
`

func TestParseTapFormulaRuby_GHCRBottle(t *testing.T) {
	ref := TapFormulaRef{Owner: "myorg", Repo: "homebrew-widget", Formula: "widget"}
	f, err := parseTapFormulaRuby(ref, sampleTapFormula)
	require.NoError(t, err)

	require.Equal(t, "widget", f.Name)
	require.Equal(t, "1.4.2", f.Versions.Stable)
	require.Equal(t, 2, f.Revision)
	require.Equal(t, []string{"openssl@3", "readline"}, f.Dependencies)
	require.Equal(t, 1, f.Bottle.Stable.Rebuild)
	require.Equal(t, "https://ghcr.io/v2/myorg/homebrew-widget", f.Bottle.Stable.RootURL)

	require.Len(t, f.Bottle.Stable.Files, 2)
	armFile := f.Bottle.Stable.Files["arm64_sonoma"]
	require.Equal(t, "1111111111111111111111111111111111111111111111111111111111111111"[:64], armFile.Sha256)
	require.Contains(t, armFile.URL, "/v2/myorg/homebrew-widget/widget/blobs/sha256:")
}

const sampleReleaseTapFormula = `class Widget < Formula
  url "https://example.test/releases/widget-2.0.0.tar.gz"
  sha256 "deadbeef"

  depends_on "zlib"

  bottle do
    root_url "https://github.com/myorg/homebrew-widget/releases/download/widget-2.0.0"
    sha256 arm64_sonoma: "3333333333333333333333333333333333333333333333333333333333333333"
  end
end
`

func TestParseTapFormulaRuby_ReleaseStyleBottle(t *testing.T) {
	ref := TapFormulaRef{Owner: "myorg", Repo: "homebrew-widget", Formula: "widget"}
	f, err := parseTapFormulaRuby(ref, sampleReleaseTapFormula)
	require.NoError(t, err)

	require.Equal(t, "2.0.0", f.Versions.Stable)
	require.Equal(t, 0, f.Revision)

	file := f.Bottle.Stable.Files["arm64_sonoma"]
	require.Contains(t, file.URL, "widget-2.0.0.arm64_sonoma.bottle.tar.gz")
}

func TestParseTapFormulaRuby_MissingBottleBlock(t *testing.T) {
	ref := TapFormulaRef{Owner: "myorg", Repo: "homebrew-widget", Formula: "widget"}
	_, err := parseTapFormulaRuby(ref, `class Widget < Formula
  url "https://example.test/widget-1.0.0.tar.gz"
end
`)
	require.Error(t, err)
}

func TestNormalizeInferredVersion(t *testing.T) {
	require.Equal(t, "1.2.3", normalizeInferredVersion("1.2.3.tar.gz"))
	require.Equal(t, "1.2.3", normalizeInferredVersion("1.2.3.tar.xz"))
	require.Equal(t, "1.2.3", normalizeInferredVersion("1.2.3"))
}
