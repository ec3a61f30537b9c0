package fusion

import (
	"fmt"
	"strings"
)

// AdvancedRules returns the extended rule set layered on the baseline.
func AdvancedRules() []Rule {
	return []Rule{
		RuleCredentialDumpingChain,
		RuleLogTampering,
		RuleSecurityToolDisable,
		RuleFilelessExecution,
		RuleStagedExfiltration,
		RuleInternalRecon,
	}
}

var credentialAccessPatterns = []string{
	"/etc/shadow",
	"dump-keychain",
	"mimikatz",
	"hashdump",
	"lsass",
	"secretsdump",
}

// RuleCredentialDumpingChain fires when a credential-access command is
// followed by an outbound flow to an external host — the dump alone is
// suspicious, the chain is the finding.
func RuleCredentialDumpingChain(deviceID string, buffer []View) *Incident {
	for _, proc := range buffer {
		if proc.Process == nil || !matchesAny(commandLine(proc), credentialAccessPatterns) {
			continue
		}
		for _, flow := range buffer {
			if flow.Flow == nil || flow.Timestamp.Before(proc.Timestamp) {
				continue
			}
			if isExternalIP(flow.Flow.DstIP) {
				return newIncident(
					"credential_dumping_chain", deviceID, SeverityCritical,
					fmt.Sprintf("credential access (%s) followed by outbound flow to %s",
						commandLine(proc), flow.Flow.DstIP),
					[]string{TacticCredentialAccess, TacticExfiltration},
					[]string{"T1003", "T1041"},
					[]View{proc, flow},
				)
			}
		}
	}
	return nil
}

// RuleLogTampering fires on deletion or modification of audit trails.
func RuleLogTampering(deviceID string, buffer []View) *Incident {
	var tampered []View
	for _, v := range buffer {
		if v.Audit == nil || v.Audit.Action == "CREATED" {
			continue
		}
		if isLogPath(v.Audit.ObjectID) {
			tampered = append(tampered, v)
		}
	}
	if len(tampered) == 0 {
		return nil
	}
	return newIncident(
		"log_tampering", deviceID, SeverityHigh,
		fmt.Sprintf("%d audit-trail files altered or removed", len(tampered)),
		[]string{TacticDefenseEvasion},
		[]string{"T1070.002"},
		tampered,
	)
}

var toolDisablePatterns = []string{
	"spctl --master-disable",
	"csrutil disable",
	"systemctl stop auditd",
	"setenforce 0",
	"launchctl unload",
	"ufw disable",
}

// RuleSecurityToolDisable fires when host protections are switched off.
func RuleSecurityToolDisable(deviceID string, buffer []View) *Incident {
	for _, v := range buffer {
		cmd := commandLine(v)
		if cmd == "" {
			continue
		}
		if matchesAny(cmd, toolDisablePatterns) {
			return newIncident(
				"security_tool_disable", deviceID, SeverityCritical,
				fmt.Sprintf("security control disabled: %s", cmd),
				[]string{TacticDefenseEvasion},
				[]string{"T1562.001"},
				[]View{v},
			)
		}
	}
	return nil
}

var filelessPatterns = []string{
	"| sh",
	"| bash",
	"python -c",
	"base64 -d",
	"base64 --decode",
}

// RuleFilelessExecution fires on download-and-pipe or in-memory execution
// patterns that leave no binary on disk.
func RuleFilelessExecution(deviceID string, buffer []View) *Incident {
	for _, v := range buffer {
		if v.Process == nil {
			continue
		}
		cmd := commandLine(v)
		fetches := strings.Contains(cmd, "curl ") || strings.Contains(cmd, "wget ")
		pipes := matchesAny(cmd, filelessPatterns)
		if (fetches && pipes) || strings.Contains(cmd, "python -c") {
			return newIncident(
				"fileless_execution", deviceID, SeverityCritical,
				fmt.Sprintf("fileless execution pattern: %s", cmd),
				[]string{TacticExecution},
				[]string{"T1059", "T1105"},
				[]View{v},
			)
		}
	}
	return nil
}

// exfilStagingBytes is the outbound volume that turns staging into
// exfiltration.
const exfilStagingBytes = 10 << 20

// RuleStagedExfiltration fires when an archive is staged in a scratch
// directory and a large outbound transfer follows.
func RuleStagedExfiltration(deviceID string, buffer []View) *Incident {
	for _, stage := range buffer {
		if !isArchiveStaging(stage) {
			continue
		}
		for _, flow := range buffer {
			if flow.Flow == nil || flow.Timestamp.Before(stage.Timestamp) {
				continue
			}
			if isExternalIP(flow.Flow.DstIP) && flow.Flow.BytesSent >= exfilStagingBytes {
				return newIncident(
					"staged_exfiltration", deviceID, SeverityHigh,
					fmt.Sprintf("archive staged then %d bytes sent to %s",
						flow.Flow.BytesSent, flow.Flow.DstIP),
					[]string{TacticExfiltration},
					[]string{"T1074.001", "T1041"},
					[]View{stage, flow},
				)
			}
		}
	}
	return nil
}

func isArchiveStaging(v View) bool {
	if v.Process != nil {
		cmd := commandLine(v)
		if (strings.Contains(cmd, "tar ") || strings.Contains(cmd, "zip ")) &&
			strings.Contains(cmd, "/tmp/") {
			return true
		}
	}
	if v.Audit != nil && v.Audit.Action == "CREATED" &&
		strings.HasPrefix(v.Audit.ObjectID, "/tmp/") {
		return strings.HasSuffix(v.Audit.ObjectID, ".tar.gz") ||
			strings.HasSuffix(v.Audit.ObjectID, ".tar") ||
			strings.HasSuffix(v.Audit.ObjectID, ".zip")
	}
	return false
}

// reconTargetThreshold is the distinct internal target count indicating a
// sweep rather than normal east-west traffic.
const reconTargetThreshold = 10

// RuleInternalRecon fires on flows fanning out across many distinct internal
// hosts within one window.
func RuleInternalRecon(deviceID string, buffer []View) *Incident {
	targets := make(map[string]struct{})
	var flows []View
	for _, v := range buffer {
		if v.Flow == nil || !isInternalIP(v.Flow.DstIP) {
			continue
		}
		key := fmt.Sprintf("%s:%d", v.Flow.DstIP, v.Flow.DstPort)
		if _, dup := targets[key]; !dup {
			targets[key] = struct{}{}
			flows = append(flows, v)
		}
	}
	if len(targets) < reconTargetThreshold {
		return nil
	}
	return newIncident(
		"internal_recon", deviceID, SeverityMedium,
		fmt.Sprintf("flows to %d distinct internal targets", len(targets)),
		[]string{TacticDiscovery},
		[]string{"T1046"},
		flows,
	)
}

// commandLine extracts the command string a rule should pattern-match, from
// either a process event or a sudo attribute.
func commandLine(v View) string {
	if v.Process != nil {
		if v.Process.CmdLine != "" {
			return v.Process.CmdLine
		}
		return strings.Join(v.Process.Argv, " ")
	}
	if v.IsSudo() {
		return v.Attr("sudo_command")
	}
	return ""
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
