package fusion

import (
	"fmt"
	"net"
	"strings"
)

// Rule is a pure correlation function over one device's window. It returns
// nil when nothing fires; the engine suppresses duplicate findings.
type Rule func(deviceID string, buffer []View) *Incident

// BaselineRules returns the core rule set every engine carries.
func BaselineRules() []Rule {
	return []Rule{
		RuleSSHBruteForce,
		RulePersistenceAfterAuth,
		RuleSuspiciousSudo,
		RuleMultiTacticAttack,
	}
}

// AllRules returns the baseline plus the advanced rule set.
func AllRules() []Rule {
	return append(BaselineRules(), AdvancedRules()...)
}

// bruteForceThreshold is the failed-attempt count that makes a source IP a
// brute-force suspect.
const bruteForceThreshold = 5

// RuleSSHBruteForce fires when one source IP accumulates enough failed SSH
// attempts within the window.
func RuleSSHBruteForce(deviceID string, buffer []View) *Incident {
	bySource := make(map[string][]View)
	for _, v := range buffer {
		if v.IsFailedSSH() && v.Security.SourceIP != "" {
			bySource[v.Security.SourceIP] = append(bySource[v.Security.SourceIP], v)
		}
	}
	for ip, views := range bySource {
		if len(views) >= bruteForceThreshold {
			return newIncident(
				"ssh_brute_force", deviceID, SeverityHigh,
				fmt.Sprintf("%d failed SSH attempts from %s", len(views), ip),
				[]string{TacticInitialAccess},
				[]string{"T1110", "T1021.004"},
				views,
			)
		}
	}
	return nil
}

// RulePersistenceAfterAuth fires when a successful SSH login is followed by
// a persistence artifact (launch agent or SSH key) appearing under a user
// directory.
func RulePersistenceAfterAuth(deviceID string, buffer []View) *Incident {
	for _, login := range buffer {
		if !login.IsSuccessSSH() {
			continue
		}
		for _, audit := range buffer {
			if audit.Audit == nil || audit.Timestamp.Before(login.Timestamp) {
				continue
			}
			if audit.Audit.Action == "CREATED" && isUserPersistencePath(audit.Audit.ObjectID) {
				return newIncident(
					"persistence_after_auth", deviceID, SeverityHigh,
					fmt.Sprintf("persistence artifact %s created after SSH login by %s",
						audit.Audit.ObjectID, login.Security.User),
					[]string{TacticPersistence},
					[]string{"T1547.011", "T1098.004"},
					[]View{login, audit},
				)
			}
		}
	}
	return nil
}

// dangerousSudoPatterns flag sudo commands no routine administration runs.
var dangerousSudoPatterns = []string{
	"rm -rf /",
	"/etc/sudoers",
	"LaunchAgents",
	"LaunchDaemons",
	"visudo",
	"chmod 4755",
	"dd if=/dev/zero",
}

// RuleSuspiciousSudo fires on sudo invocations matching the dangerous
// pattern set.
func RuleSuspiciousSudo(deviceID string, buffer []View) *Incident {
	for _, v := range buffer {
		if !v.IsSudo() {
			continue
		}
		cmd := v.Attr("sudo_command")
		for _, pattern := range dangerousSudoPatterns {
			if strings.Contains(cmd, pattern) {
				return newIncident(
					"suspicious_sudo", deviceID, SeverityCritical,
					fmt.Sprintf("dangerous sudo command by %s: %s", v.Security.User, cmd),
					[]string{TacticPrivilegeEscalation},
					[]string{"T1548.003"},
					[]View{v},
				)
			}
		}
	}
	return nil
}

// multiTacticThreshold is the distinct-tactic count that escalates a window
// to a coordinated-attack finding.
const multiTacticThreshold = 3

// RuleMultiTacticAttack fires when the window spans enough distinct MITRE
// tactics to indicate a coordinated sequence rather than isolated noise.
func RuleMultiTacticAttack(deviceID string, buffer []View) *Incident {
	tactics := make(map[string][]View)
	for _, v := range buffer {
		for _, tactic := range classifyTactics(v) {
			tactics[tactic] = append(tactics[tactic], v)
		}
	}
	if len(tactics) < multiTacticThreshold {
		return nil
	}

	var names []string
	var contributing []View
	for tactic, views := range tactics {
		names = append(names, tactic)
		contributing = append(contributing, views...)
	}
	return newIncident(
		"multi_tactic_attack", deviceID, SeverityCritical,
		fmt.Sprintf("activity spanning %d distinct tactics in one window", len(tactics)),
		names, []string{"T1204"},
		contributing,
	)
}

// classifyTactics maps one view onto the tactic tags it evidences.
func classifyTactics(v View) []string {
	var out []string
	switch {
	case v.Security != nil && v.Security.Action == "SSH":
		out = append(out, TacticInitialAccess)
	case v.IsSudo():
		out = append(out, TacticPrivilegeEscalation)
	}
	if v.Audit != nil {
		if v.Audit.Action == "CREATED" && isUserPersistencePath(v.Audit.ObjectID) {
			out = append(out, TacticPersistence)
		}
		if v.Audit.Action != "CREATED" && isLogPath(v.Audit.ObjectID) {
			out = append(out, TacticDefenseEvasion)
		}
	}
	if v.Process != nil {
		out = append(out, TacticExecution)
	}
	if v.Flow != nil && isExternalIP(v.Flow.DstIP) {
		out = append(out, TacticExfiltration)
	}
	return out
}

func isUserPersistencePath(path string) bool {
	underUserDir := strings.HasPrefix(path, "/Users/") || strings.HasPrefix(path, "/home/")
	if !underUserDir {
		return false
	}
	return strings.Contains(path, "LaunchAgents") ||
		strings.Contains(path, "LaunchDaemons") ||
		strings.Contains(path, ".ssh/")
}

var logPaths = []string{
	"/var/log",
	"/private/var/audit",
	".bash_history",
	".zsh_history",
	"wtmp",
	"auth.log",
}

func isLogPath(path string) bool {
	for _, p := range logPaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func isExternalIP(raw string) bool {
	ip := net.ParseIP(raw)
	if ip == nil {
		return false
	}
	return !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast()
}

func isInternalIP(raw string) bool {
	ip := net.ParseIP(raw)
	return ip != nil && ip.IsPrivate()
}
