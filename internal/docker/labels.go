package docker

import (
	"fmt"
	"strconv"
	"time"
)

// Labels every managed container carries. ListManaged filters on
// LabelManaged and the orphan reaper keys on LabelInstanceUUID.
const (
	LabelManaged      = "ctfd.managed"
	LabelPlugin       = "ctfd.plugin"
	LabelInstanceUUID = "ctfd.instance_uuid"
	LabelChallengeID  = "ctfd.challenge_id"
	LabelAccountID    = "ctfd.account_id"
	LabelExpiresAt    = "ctfd.expires_at"
)

// managedFilter is the label filter selecting our containers on the daemon.
const managedFilter = LabelManaged + "=true"

// BaseLabels returns the management labels stamped on every instance
// container.
func BaseLabels(instanceUUID string, challengeID, accountID int64, expiresAt time.Time) map[string]string {
	return map[string]string{
		LabelManaged:      "true",
		LabelPlugin:       "containers",
		LabelInstanceUUID: instanceUUID,
		LabelChallengeID:  strconv.FormatInt(challengeID, 10),
		LabelAccountID:    strconv.FormatInt(accountID, 10),
		LabelExpiresAt:    expiresAt.UTC().Format(time.RFC3339),
	}
}

// TraefikLabels returns the reverse-proxy routing labels for subdomain mode.
// The router name doubles as the subdomain so one instance maps to one
// router; traffic lands on the container's internal port, so no host port
// is published.
func TraefikLabels(router, baseDomain, proxyNetwork string, internalPort int) map[string]string {
	return map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", router):                      fmt.Sprintf("Host(`%s.%s`)", router, baseDomain),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", router):               "web",
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", router): strconv.Itoa(internalPort),
		"traefik.docker.network": proxyNetwork,
	}
}

// MergeLabels overlays b onto a copy of a.
func MergeLabels(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// InstanceUUID reads the instance uuid label from a container's labels,
// empty when absent.
func InstanceUUID(labels map[string]string) string {
	return labels[LabelInstanceUUID]
}
