package ci

// SecretScope controls which build types may receive a secret.  Safe
// builds are trusted canonical-repo builds; unsafe builds come from
// forks and must never see secrets scoped to safe builds.
type SecretScope string

const (
	SecretScopeAll        SecretScope = "all"
	SecretScopeSafeOnly   SecretScope = "safe_only"
	SecretScopeUnsafeOnly SecretScope = "unsafe_only"
)

// Secret is a named value exposed to build jobs through the executor
// environment.
type Secret struct {
	Name    string      `json:"name"`
	Content string      `json:"content"`
	Scope   SecretScope `json:"scope"`
}

// FilterSecrets returns the secrets applicable to a build of the given
// trust level.  Trusted builds are safe builds and receive safe_only
// secrets; fork builds receive unsafe_only ones.  A secret scoped to
// the build type always wins over an "all" secret with the same name:
// the generic one is suppressed so a build cannot receive a value
// intended for the other trust level under the same name.
func FilterSecrets(secrets []Secret, trusted bool) []Secret {
	typeScope := SecretScopeUnsafeOnly
	if trusted {
		typeScope = SecretScopeSafeOnly
	}

	overridden := make(map[string]bool)
	for _, s := range secrets {
		if s.Scope == typeScope {
			overridden[s.Name] = true
		}
	}

	var result []Secret
	for _, s := range secrets {
		switch s.Scope {
		case typeScope:
			result = append(result, s)
		case SecretScopeAll:
			if !overridden[s.Name] {
				result = append(result, s)
			}
		}
	}
	return result
}
