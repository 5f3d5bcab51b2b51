package safety

import (
	"regexp"
	"strings"

	"github.com/xela07ax/skillgate/internal/domain"
)

// Идентификаторы правил в находках.
const (
	RuleMaxFiles        = "max-files"
	RuleMaxBytes        = "max-bytes"
	RuleAbsolutePath    = "absolute-path"
	RulePathTraversal   = "path-traversal"
	RuleNulInName       = "nul-in-name"
	RuleMissingEntry    = "missing-entrypoint"
	RuleDynamicEval     = "dynamic-eval"
	RuleProcessExec     = "process-exec"
	RuleIntrospection   = "introspection"
	RuleDesktopAccess   = "desktop-access"
	RuleReservedEnv     = "reserved-env"
	RuleUndeclaredCap   = "undeclared-capability"
	RuleUnscannable     = "unscannable-content"
	RuleWasmInvalid     = "wasm-invalid"
	RuleWasmImport      = "wasm-import"
	RuleTrialTimeout    = "trial-timeout"
	RuleTrialCapability = "trial-capability"
	RuleTrialFault      = "trial-fault"
)

// ReservedEnvKeys: переменные окружения шлюза, чтение которых навыком запрещено.
var ReservedEnvKeys = []string{
	"TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN", "TELEGRAM_API_KEY",
	"WHATSAPP_TOKEN", "WHATSAPP_ACCESS_TOKEN",
	"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GROQ_API_KEY", "GEMINI_API_KEY",
	"ADMIN_PIN", "ADMIN_PASSWORD", "SECRET_KEY", "JWT_SECRET",
	"DATABASE_URL", "DB_PASSWORD", "REDIS_PASSWORD", "MONGO_URI",
	"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN",
	"AZURE_CLIENT_SECRET", "AZURE_STORAGE_KEY", "GCP_SERVICE_ACCOUNT_KEY",
	"GITHUB_TOKEN", "GITLAB_TOKEN", "DOCKER_TOKEN",
	"STRIPE_SECRET_KEY", "PAYPAL_CLIENT_SECRET",
	"PRIVATE_KEY", "API_SECRET", "AUTH_TOKEN",
	"EMAIL_PASSWORD", "SMTP_PASSWORD", "IMAP_PASSWORD", "SSH_KEY",
	"SKILLGATE_VAULT_SIGNING_KEY", "SKILLGATE_APPROVAL_PIN_HASH",
}

// contentRule: регулярка по строкам текстовых файлов бандла. Если Requires задан,
// совпадение нарушение только при незаявленной способности.
type contentRule struct {
	ID       string
	Pattern  *regexp.Regexp
	Message  string
	Requires domain.Capability
}

func defaultContentRules() []contentRule {
	return []contentRule{
		{
			ID:      RuleDynamicEval,
			Pattern: regexp.MustCompile(`\b(eval|exec|compile|__import__)\s*\(|\bnew\s+Function\s*\(`),
			Message: "dynamic code evaluation",
		},
		{
			ID:      RuleProcessExec,
			Pattern: regexp.MustCompile(`\b(subprocess|os\.system|os\.popen|popen|child_process|ctypes|syscall)\b|"os/exec"|\bimport\s+socket\b|\bfrom\s+socket\s+import\b|\bsocket\.socket\s*\(`),
			Message: "process or system call primitive",
		},
		{
			ID:      RuleIntrospection,
			Pattern: regexp.MustCompile(`\b(import|from)\s+(importlib|inspect)\b|\bimportlib\.`),
			Message: "introspection or loader abuse",
		},
		{
			ID:      RuleDesktopAccess,
			Pattern: regexp.MustCompile(`\b(pyautogui|keyring|getpass|win32api|win32con|win32gui)\b`),
			Message: "desktop or keyring access",
		},
		{
			ID:      RuleReservedEnv,
			Pattern: regexp.MustCompile(`\b(` + strings.Join(ReservedEnvKeys, "|") + `)\b`),
			Message: "reads reserved environment key",
		},
		{
			ID:       RuleUndeclaredCap,
			Pattern:  regexp.MustCompile(`^\s*(import|from)\s+(requests|httpx|urllib3?|aiohttp|http\.client|ftplib|smtplib|poplib|imaplib)\b|require\(\s*['"](axios|node-fetch|http|https|net)['"]\s*\)|"net/http"|\bfetch\s*\(`),
			Message:  "network client used without network-call",
			Requires: domain.CapNetworkCall,
		},
		{
			ID:       RuleUndeclaredCap,
			Pattern:  regexp.MustCompile(`\bopen\s*\([^)]*['"][wax]b?\+?['"]|\.write_(text|bytes)\s*\(|\b(os|ioutil)\.WriteFile\b|\bfs\.writeFile(Sync)?\b|\bshutil\b|\bos\.(remove|unlink|rmdir|removedirs|makedirs|mkdir)\s*\(`),
			Message:  "file write primitive used without write-file",
			Requires: domain.CapWriteFile,
		},
	}
}
