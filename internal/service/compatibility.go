package service

import (
	"time"

	"github.com/ecocards/matchmaking-backend/internal/config"
	"github.com/ecocards/matchmaking-backend/internal/models"
)

// candidateSearchBudget 한 번의 FindCandidate 호출에서 방문하는 최대 탐색 노드 수
const candidateSearchBudget = 20000

// EffectiveSpread 대기 시간에 따라 넓어진 허용 레이팅 차이.
// base + growth*대기초, 상한 cap
func EffectiveSpread(entry models.QueueEntry, mode config.GameModeConfig, now time.Time) int {
	spread := float64(mode.MaxRatingSpread)
	if mode.SpreadGrowthPerSecond > 0 {
		spread += mode.SpreadGrowthPerSecond * entry.WaitTime(now).Seconds()
	}
	limit := mode.MaxRatingSpreadCap
	if limit < mode.MaxRatingSpread {
		limit = mode.MaxRatingSpread
	}
	if spread > float64(limit) {
		spread = float64(limit)
	}
	return int(spread)
}

// Compatible 두 항목이 같은 매치에 들어갈 수 있는지.
// 허용 차이는 두 항목 중 작은 쪽을 따른다
func Compatible(a, b models.QueueEntry, mode config.GameModeConfig, now time.Time) bool {
	if mode.RegionAffinity && a.HasRegionPreference() && b.HasRegionPreference() && a.Region != b.Region {
		return false
	}

	allowed := EffectiveSpread(a, mode, now)
	if s := EffectiveSpread(b, mode, now); s < allowed {
		allowed = s
	}
	return abs(a.Rating-b.Rating) <= allowed
}

// FindCandidate 대기 순서로 정렬된 entries에서 PlayerCount명의 호환 집합을 찾는다.
// 가장 오래 기다린 항목부터 기준으로 삼고, 그 뒤 항목들을 대기 순서대로 깊이 우선 탐색해
// 사전순으로 가장 이른 집합을 반환한다. 모든 쌍이 호환이어야 한다.
// 없으면 nil
func FindCandidate(entries []models.QueueEntry, mode config.GameModeConfig, now time.Time) []models.QueueEntry {
	k := mode.PlayerCount
	if k < 2 {
		return nil
	}

	live := make([]models.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Expired(now) {
			live = append(live, e)
		}
	}
	if len(live) < k {
		return nil
	}

	// 쌍별 호환 여부 미리 계산
	n := len(live)
	compat := make([][]bool, n)
	for i := range compat {
		compat[i] = make([]bool, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			ok := Compatible(live[i], live[j], mode, now)
			compat[i][j] = ok
			compat[j][i] = ok
		}
	}

	budget := candidateSearchBudget
	chosen := make([]int, 0, k)

	var search func(next int) bool
	search = func(next int) bool {
		if len(chosen) == k {
			return true
		}
		for i := next; i < n; i++ {
			if n-i < k-len(chosen) {
				return false
			}
			if budget <= 0 {
				return false
			}
			budget--

			ok := true
			for _, c := range chosen {
				if !compat[c][i] {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}

			chosen = append(chosen, i)
			if search(i + 1) {
				return true
			}
			chosen = chosen[:len(chosen)-1]
		}
		return false
	}

	for anchor := 0; anchor <= n-k && budget > 0; anchor++ {
		chosen = append(chosen[:0], anchor)
		if search(anchor + 1) {
			result := make([]models.QueueEntry, k)
			for i, idx := range chosen {
				result[i] = live[idx]
			}
			return result
		}
	}
	return nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
