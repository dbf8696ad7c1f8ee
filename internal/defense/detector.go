package defense

import (
	"strings"
)

// probePaths are prefixes commonly requested by vulnerability scanners.
// The gateway never serves any of them itself.
var probePaths = []string{
	"/.env",
	"/.git/",
	"/.git/config",
	"/.aws/",
	"/.htpasswd",
	"/.htaccess",
	"/.ds_store",
	"/wp-admin",
	"/wp-login",
	"/wp-content",
	"/xmlrpc.php",
	"/phpmyadmin",
	"/phpinfo",
	"/config.json",
	"/secrets.json",
	"/backup.sql",
	"/dump.sql",
	"/api/.env",
	"/api/v1/.env",
	"/api/v2/.env",
	"/api/.git",
	"/web.config",
	"/server-status",
	"/cgi-bin/",
	"/vendor/phpunit",
	"/actuator/",
	"/boaform",
}

// probeUserAgents are substrings of known scanner user agents.
var probeUserAgents = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"zgrab",
	"gobuster",
	"dirbuster",
	"wfuzz",
	"ffuf",
	"nuclei",
	"acunetix",
	"netsparker",
	"wpscan",
}

// IsSuspiciousPath reports whether path starts with a known scanner probe.
// Prefix matching only: "/docs/.env" is not a probe.
func IsSuspiciousPath(path string) bool {
	lowerPath := strings.ToLower(path)
	for _, p := range probePaths {
		if strings.HasPrefix(lowerPath, p) {
			return true
		}
	}
	return false
}

// IsSuspiciousUserAgent reports whether ua belongs to a known scanner.
func IsSuspiciousUserAgent(ua string) bool {
	lowerUA := strings.ToLower(ua)
	for _, p := range probeUserAgents {
		if strings.Contains(lowerUA, p) {
			return true
		}
	}
	return false
}

// DetectProbe returns a short reason when the request looks like an
// automated vulnerability scan.
func DetectProbe(path, userAgent string) (string, bool) {
	if IsSuspiciousUserAgent(userAgent) {
		return "scanner user agent", true
	}
	if IsSuspiciousPath(path) {
		return "scanner probe path", true
	}
	return "", false
}
