package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	dstacksdk "github.com/Dstack-TEE/dstack/sdk/go/dstack"
	"github.com/aspect-build/pqattest/internal/attestation"
)

// TDX registers are SHA-384. Each is folded into a SHA-256 PCR slot so
// reports keep a single PCR shape.
var tdxRegisterSlots = []struct {
	name  string
	index int
}{
	{"mrtd", 0},
	{"rtmr0", 1},
	{"rtmr1", 2},
	{"rtmr2", 3},
	{"rtmr3", 4},
}

// tcbInfo is the subset of the dstack TCB info document read here.
type tcbInfo struct {
	MRTD        string `json:"mrtd"`
	RTMR0       string `json:"rtmr0"`
	RTMR1       string `json:"rtmr1"`
	RTMR2       string `json:"rtmr2"`
	RTMR3       string `json:"rtmr3"`
	OSImageHash string `json:"os_image_hash"`
	ComposeHash string `json:"compose_hash"`
}

func (t tcbInfo) register(name string) string {
	switch name {
	case "mrtd":
		return t.MRTD
	case "rtmr0":
		return t.RTMR0
	case "rtmr1":
		return t.RTMR1
	case "rtmr2":
		return t.RTMR2
	case "rtmr3":
		return t.RTMR3
	}
	return ""
}

// Dstack collects measurements from a TDX guest through the dstack agent.
type Dstack struct {
	info func(ctx context.Context) (string, error)
}

// NewDstack talks to the dstack guest agent at endpoint, or the SDK
// default socket when endpoint is empty.
func NewDstack(endpoint string) *Dstack {
	opts := []dstacksdk.DstackClientOption{}
	if endpoint != "" {
		opts = append(opts, dstacksdk.WithEndpoint(endpoint))
	}
	client := dstacksdk.NewDstackClient(opts...)
	return &Dstack{info: func(ctx context.Context) (string, error) {
		info, err := client.Info(ctx)
		if err != nil {
			return "", err
		}
		return info.TcbInfo, nil
	}}
}

func (c *Dstack) Collect(ctx context.Context, _ *attestation.Device, requiredPCRs []int) (*attestation.Collection, error) {
	start := time.Now()
	raw, err := c.info(ctx)
	if err != nil {
		return nil, fmt.Errorf("dstack info: %w", err)
	}
	var tcb tcbInfo
	if err := json.Unmarshal([]byte(raw), &tcb); err != nil {
		return nil, fmt.Errorf("parse dstack tcb info: %w", err)
	}

	m := attestation.Measurements{Hashes: map[string]string{}}
	byIndex := map[int]string{}
	for _, slot := range tdxRegisterSlots {
		reg := tcb.register(slot.name)
		if reg == "" {
			continue
		}
		folded, err := foldRegister(reg)
		if err != nil {
			return nil, fmt.Errorf("dstack %s: %w", slot.name, err)
		}
		byIndex[slot.index] = folded
		m.PCRValues = append(m.PCRValues, attestation.PCRValue{
			Index:     slot.index,
			Value:     folded,
			Algorithm: attestation.PCRAlgorithm,
		})
	}
	for _, idx := range requiredPCRs {
		if _, ok := byIndex[idx]; !ok {
			return nil, fmt.Errorf("dstack: PCR %d has no TDX register mapping", idx)
		}
	}
	sort.Slice(m.PCRValues, func(i, j int) bool { return m.PCRValues[i].Index < m.PCRValues[j].Index })

	if v, ok := byIndex[0]; ok {
		m.Hashes[attestation.FirmwareHash] = v
	}
	if v, ok := byIndex[2]; ok {
		m.Hashes[attestation.BootloaderHash] = v
	}
	if h := normalizeDigest(tcb.ComposeHash); h != "" {
		m.Hashes[attestation.ConfigurationHash] = h
	}
	if h := normalizeDigest(tcb.OSImageHash); h != "" {
		m.Hashes["os_image_hash"] = h
	}

	return &attestation.Collection{
		Measurements: m,
		Platform: attestation.PlatformInfo{
			SecureBootEnabled: true,
			BootState:         attestation.BootStateSecure,
			HardwareVersion:   "intel-tdx",
		},
		Duration: time.Since(start),
	}, nil
}

func foldRegister(hexValue string) (string, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(hexValue), "0x"))
	if err != nil {
		return "", fmt.Errorf("register is not hex: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeDigest keeps 32-byte digests as-is and hashes anything else.
func normalizeDigest(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	if attestation.IsHashShaped(v) {
		return v
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
