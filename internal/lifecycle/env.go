package lifecycle

import "strings"

// sensitiveMarkers: ключи окружения с этими подстроками в песочницу не передаются.
var sensitiveMarkers = []string{"TOKEN", "KEY", "SECRET", "PASSWORD", "CREDENTIAL", "PIN", "AUTH", "PRIVATE"}

// CredentialEnv: переменная, в которой агент получает свой токен.
const CredentialEnv = "SKILLGATE_AGENT_CREDENTIAL"

func sensitive(key string) bool {
	k := strings.ToUpper(key)
	for _, m := range sensitiveMarkers {
		if strings.Contains(k, m) {
			return true
		}
	}
	return false
}

// FilterEnv возвращает копию без чувствительных ключей.
func FilterEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if k == "" || sensitive(k) {
			continue
		}
		out[k] = v
	}
	return out
}
