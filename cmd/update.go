package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/mod/semver"

	"github.com/openWB/PiShrink/internal/config"
	"github.com/openWB/PiShrink/internal/utils"
)

// releaseTimeout bounds the release lookup.
const releaseTimeout = 2 * time.Second

var updateCmd = &cobra.Command{
	Use:   "check-update",
	Short: "Check GitHub for a newer PiShrink release",
	Long: `Query the release API (update_url in the config) and report whether a newer
version than this binary is available.`,
	Example:      `  pishrink check-update`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
}

type releaseInfo struct {
	TagName    string `json:"tag_name"`
	HTMLURL    string `json:"html_url"`
	Prerelease bool   `json:"prerelease"`
}

func runUpdate(cmd *cobra.Command, args []string) error {
	utils.PrintMessage("Fetching latest release information...")
	ctx, cancel := context.WithTimeout(cmd.Context(), 3*releaseTimeout)
	defer cancel()

	release, err := latestRelease(ctx, viper.GetString("update_url"))
	if err != nil {
		return err
	}

	currentVersion := "v" + config.VERSION
	latestVersion := strings.TrimSpace(release.TagName)
	switch cmp := compareVersions(currentVersion, latestVersion); {
	case cmp == 0:
		utils.PrintSuccess("Already on the latest version %s!", utils.StyleNumber(latestVersion))
	case cmp > 0:
		utils.PrintSuccess("Already on a newer version %s (latest: %s)",
			utils.StyleNumber(currentVersion), utils.StyleNumber(latestVersion))
	default:
		printUpdateNotice(release)
	}
	return nil
}

// latestRelease fetches the release document at url.
func latestRelease(ctx context.Context, url string) (*releaseInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release information: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch release: HTTP %d", resp.StatusCode)
	}

	var release releaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to parse release information: %w", err)
	}
	if release.TagName == "" {
		return nil, fmt.Errorf("release information has no tag")
	}
	return &release, nil
}

// startUpdateCheck looks up the latest release in the background while the
// shrink runs. The returned func prints a notice if a newer release exists;
// it waits at most releaseTimeout for the lookup. Failures are debug output
// only.
func startUpdateCheck(ctx context.Context, url string) func() {
	result := make(chan *releaseInfo, 1)
	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	go func() {
		release, err := latestRelease(ctx, url)
		if err != nil {
			utils.PrintDebug("Update check failed: %v", err)
		}
		result <- release
	}()

	return func() {
		defer cancel()
		release := <-result
		if release != nil && compareVersions("v"+config.VERSION, release.TagName) < 0 {
			printUpdateNotice(release)
		}
	}
}

func printUpdateNotice(release *releaseInfo) {
	utils.PrintHint("PiShrink %s is available (running %s): %s",
		utils.StyleNumber(release.TagName), utils.StyleNumber("v"+config.VERSION), release.HTMLURL)
}

// compareVersions compares two semantic versions. It returns:
//
//	-1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2.
//
// Pre-release data is taken into account according to semver rules
// (e.g. "1.2.3-alpha" < "1.2.3"). Build metadata is used only as a
// secondary lexicographic tie-breaker.
func compareVersions(v1, v2 string) int {
	// semver requires a leading 'v'.
	if !strings.HasPrefix(v1, "v") {
		v1 = "v" + v1
	}
	if !strings.HasPrefix(v2, "v") {
		v2 = "v" + v2
	}
	c1 := semver.Canonical(v1)
	c2 := semver.Canonical(v2)
	if c1 == "" || c2 == "" {
		// Unparsable versions count as older so a notice is shown.
		return -1
	}
	if res := semver.Compare(c1, c2); res != 0 {
		return res
	}
	b1 := semver.Build(v1)
	b2 := semver.Build(v2)
	switch {
	case b1 < b2:
		return -1
	case b1 > b2:
		return 1
	}
	return 0
}
