package denylist

// DefaultPatterns are the destructive commands and protected locations the
// desktop backend refuses to elevate into.
var DefaultPatterns = Patterns{
	Commands: []string{
		"rm -rf /",
		"rm -rf ~",
		"rm -rf *",
		"dd if=/dev/zero",
		"dd if=/dev/random",
		":(){ :|:& };:",
		"mkfs.",
		"> /dev/sda",
		"chmod -R 777 /",
		"chown -R",
		"shutdown",
		"reboot",
		"curl|sh",
		"curl | sh",
		"wget|sh",
		"wget | sh",
		"sudo su",
		"sudo -i",
		"git push --force",
		"git push -f",
		"printenv",
		"/proc/self/environ",
	},
	Paths: []string{
		"/etc",
		"/usr",
		"/bin",
		"/sbin",
		"/boot",
		"/var/lib",
		"/System",
		"~/.ssh",
		"~/.aws",
		"~/.gnupg",
	},
	Files: []string{
		"~/.ssh/id_rsa",
		"~/.ssh/id_ed25519",
		"~/.aws/credentials",
		"**/.env",
		"**/.env.local",
		"**/credentials.json",
		"**/*.kdbx",
	},
}
