package launch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUsernsHint(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("usernsHint is empty for root")
	}
	defer func(old string) { procRoot = old }(procRoot)

	for _, tt := range []struct {
		name  string
		files map[string]string
		want  []string
	}{
		{
			name: "enabled",
			files: map[string]string{
				"sys/kernel/unprivileged_userns_clone": "1\n",
				"sys/user/max_user_namespaces":         "63704\n",
			},
		},
		{
			name: "debian",
			files: map[string]string{
				"sys/kernel/unprivileged_userns_clone": "0\n",
			},
			want: []string{"try:", "kernel.unprivileged_userns_clone=1"},
		},
		{
			name: "rhel in docker",
			files: map[string]string{
				"1/cgroup":                     "0::/docker/4f1c\n",
				"sys/user/max_user_namespaces": "0\n",
			},
			want: []string{"Docker host", "user.max_user_namespaces=1000"},
		},
		{
			name: "apparmor",
			files: map[string]string{
				"sys/kernel/apparmor_restrict_unprivileged_userns": "1\n",
			},
			want: []string{"apparmor_restrict_unprivileged_userns=0"},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			procRoot = t.TempDir()
			for name, contents := range tt.files {
				fn := filepath.Join(procRoot, name)
				if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(fn, []byte(contents), 0644); err != nil {
					t.Fatal(err)
				}
			}
			got := usernsHint()
			if len(tt.want) == 0 && got != "" {
				t.Errorf("usernsHint() = %q, want empty", got)
			}
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("usernsHint() = %q, want it to contain %q", got, want)
				}
			}
		})
	}
}
