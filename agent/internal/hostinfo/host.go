// Package hostinfo reports identifying information about the host the agent
// runs on, for inclusion in the registration request.
package hostinfo

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/host"
)

// OperatingSystem returns a human-readable platform string such as
// "ubuntu 22.04" or "darwin 14.5", for RegisterRequest.OperatingSystem. It
// falls back to the raw platform name if version detection fails, and to
// "unknown" if gopsutil cannot read /etc/os-release or its platform
// equivalent at all.
func OperatingSystem(ctx context.Context) string {
	platform, _, version, err := host.PlatformInformationWithContext(ctx)
	if err != nil || platform == "" {
		return "unknown"
	}
	if version == "" {
		return platform
	}
	return fmt.Sprintf("%s %s", platform, version)
}
