package image

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tinyrange/vmm/internal/hv"
)

// Distro is a cloud image published for one or more architectures.
type Distro struct {
	Name string
	URLs map[hv.CpuArchitecture]string
}

var catalog = []Distro{
	{
		Name: "debian",
		URLs: map[hv.CpuArchitecture]string{
			hv.ArchitectureX86_64: "https://cloud.debian.org/images/cloud/bookworm/latest/debian-12-nocloud-amd64.raw",
			hv.ArchitectureARM64:  "https://cloud.debian.org/images/cloud/bookworm/latest/debian-12-nocloud-arm64.raw",
		},
	},
	{
		Name: "ubuntu",
		URLs: map[hv.CpuArchitecture]string{
			hv.ArchitectureX86_64: "https://cloud-images.ubuntu.com/releases/22.04/release/ubuntu-22.04-server-cloudimg-amd64.img",
			hv.ArchitectureARM64:  "https://cloud-images.ubuntu.com/releases/22.04/release/ubuntu-22.04-server-cloudimg-arm64.img",
		},
	},
}

// Distros lists the names Lookup accepts.
func Distros() []string {
	names := make([]string, 0, len(catalog))
	for _, d := range catalog {
		names = append(names, d.Name)
	}
	slices.Sort(names)
	return names
}

// Lookup returns the image URL of a distribution for arch.
func Lookup(name string, arch hv.CpuArchitecture) (string, error) {
	for _, d := range catalog {
		if !strings.EqualFold(d.Name, name) {
			continue
		}
		url, ok := d.URLs[arch]
		if !ok {
			return "", fmt.Errorf("%w: %s has no %s image", ErrFetch, d.Name, arch)
		}
		return url, nil
	}
	return "", fmt.Errorf("%w: unknown distribution %q (known: %s)", ErrFetch, name, strings.Join(Distros(), ", "))
}
