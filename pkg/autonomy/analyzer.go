// Package autonomy scores a verification session's challenge history for
// evidence that the agent runs without a human in the loop.
//
// Every signal is 0–100 where higher means more machine-like. The analyzer is
// pure and reads whatever the session holds, so it can be used for live
// progress on a partial session as well as on a finished one.
package autonomy

import (
	"fmt"
	"math"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
)

// Verdict classifies the aggregate score.
type Verdict string

const (
	VerdictAutonomous          Verdict = "autonomous"
	VerdictSuspicious          Verdict = "suspicious"
	VerdictLikelyHumanDirected Verdict = "likely_human_directed"
)

// Policy constants. Night performance and the offline pattern carry most of
// the weight because they separate always-on agents from human schedules best.
const (
	WeightResponseTime = 0.15
	WeightNight        = 0.35
	WeightOffline      = 0.30
	WeightUptime       = 0.20

	AutonomousThreshold = 75.0
	HumanThreshold      = 50.0

	// SignalMidpoint: a signal below it adds a reason.
	SignalMidpoint = 50.0
	NeutralScore   = 50.0

	// Coefficient of variation bounds for response times.
	LowVarianceCV    = 0.15
	HighVarianceCV   = 1.0
	MinTimingSamples = 2

	// Human sleep window in UTC hours, wrapping midnight: [22:00, 08:00).
	SleepWindowStartHour = 22
	SleepWindowEndHour   = 8
	// MissesForFullPenalty is how many missed challenges make the sleep correlation count fully.
	MissesForFullPenalty = 3
)

// Signal is one independent autonomy signal.
type Signal struct {
	Score       float64 `json:"score"`
	IsHumanLike bool    `json:"is_human_like"`
	Detail      string  `json:"detail"`
}

// ResponseTimeSignal carries timing statistics.
type ResponseTimeSignal struct {
	Signal
	Samples int     `json:"samples"`
	MeanMs  float64 `json:"mean_ms"`
	StdDev  float64 `json:"std_dev_ms"`
	CV      float64 `json:"coefficient_of_variation"`
}

// NightSignal carries night challenge pass statistics.
type NightSignal struct {
	Signal
	NightTotal  int     `json:"night_total"`
	NightPassed int     `json:"night_passed"`
	PassRate    float64 `json:"pass_rate"`
}

// OfflineSignal carries the miss pattern against the human sleep window.
type OfflineSignal struct {
	Signal
	Misses           int     `json:"misses"`
	MissesInSleep    int     `json:"misses_in_sleep_window"`
	SleepCorrelation float64 `json:"sleep_correlation"`
}

// UptimeSignal carries the answered ratio.
type UptimeSignal struct {
	Signal
	Sent     int     `json:"sent"`
	Answered int     `json:"answered"`
	Ratio    float64 `json:"ratio"`
}

// Signals groups the four signals.
type Signals struct {
	ResponseTimeVariance      ResponseTimeSignal `json:"response_time_variance"`
	NightChallengePerformance NightSignal        `json:"night_challenge_performance"`
	OfflinePattern            OfflineSignal      `json:"offline_pattern"`
	OverallUptime             UptimeSignal       `json:"overall_uptime"`
}

// Analysis is derived from session history and never persisted.
type Analysis struct {
	Score   float64  `json:"score"`
	Verdict Verdict  `json:"verdict"`
	Reasons []string `json:"reasons"`
	Signals Signals  `json:"signals"`
}

// Analyze scores a session. A nil or empty session yields neutral signals.
func Analyze(session *contracts.VerificationSession) Analysis {
	var challenges []*contracts.Challenge
	if session != nil {
		challenges = session.Challenges()
	}

	var sent []*contracts.Challenge
	for _, c := range challenges {
		if c.Status.IsTerminal() {
			sent = append(sent, c)
		}
	}

	a := Analysis{
		Signals: Signals{
			ResponseTimeVariance:      responseTimeVariance(sent),
			NightChallengePerformance: nightPerformance(sent),
			OfflinePattern:            offlinePattern(sent),
			OverallUptime:             overallUptime(sent),
		},
		Reasons: []string{},
	}

	s := a.Signals
	score := WeightResponseTime*s.ResponseTimeVariance.Score +
		WeightNight*s.NightChallengePerformance.Score +
		WeightOffline*s.OfflinePattern.Score +
		WeightUptime*s.OverallUptime.Score

	// An agent that does not answer cannot be called reliably autonomous.
	if len(sent) > 0 && score > s.OverallUptime.Score {
		score = s.OverallUptime.Score
	}
	a.Score = clamp(math.Round(score*10) / 10)

	switch {
	case a.Score >= AutonomousThreshold:
		a.Verdict = VerdictAutonomous
	case a.Score < HumanThreshold:
		a.Verdict = VerdictLikelyHumanDirected
	default:
		a.Verdict = VerdictSuspicious
	}

	if len(sent) == 0 {
		a.Reasons = append(a.Reasons, "no challenge history available")
	}
	for _, sig := range []struct {
		name   string
		signal Signal
	}{
		{"response timing", s.ResponseTimeVariance.Signal},
		{"night challenges", s.NightChallengePerformance.Signal},
		{"offline pattern", s.OfflinePattern.Signal},
		{"uptime", s.OverallUptime.Signal},
	} {
		if sig.signal.Score < SignalMidpoint {
			a.Reasons = append(a.Reasons, fmt.Sprintf("%s: %s", sig.name, sig.signal.Detail))
		}
	}

	return a
}

func responseTimeVariance(sent []*contracts.Challenge) ResponseTimeSignal {
	var samples []float64
	for _, c := range sent {
		if c.Status == contracts.ChallengePassed && c.ResponseTimeMs != nil {
			samples = append(samples, float64(*c.ResponseTimeMs))
		}
	}

	sig := ResponseTimeSignal{Samples: len(samples)}
	if len(samples) < MinTimingSamples {
		sig.Score = NeutralScore
		sig.Detail = "not enough answered challenges to measure timing"
		return sig
	}

	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))
	var sq float64
	for _, v := range samples {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(len(samples)))
	cv := 0.0
	if mean > 0 {
		cv = std / mean
	}
	sig.MeanMs, sig.StdDev, sig.CV = mean, std, cv

	switch {
	case cv <= LowVarianceCV:
		sig.Score = 100
	case cv >= HighVarianceCV:
		sig.Score = 0
	default:
		sig.Score = 100 * (HighVarianceCV - cv) / (HighVarianceCV - LowVarianceCV)
	}
	sig.IsHumanLike = sig.Score < SignalMidpoint
	sig.Detail = fmt.Sprintf("response time coefficient of variation %.2f over %d answers", cv, len(samples))
	if sig.IsHumanLike {
		sig.Detail = fmt.Sprintf("irregular response times (coefficient of variation %.2f)", cv)
	}
	return sig
}

func nightPerformance(sent []*contracts.Challenge) NightSignal {
	var sig NightSignal
	for _, c := range sent {
		if !c.IsNightChallenge {
			continue
		}
		sig.NightTotal++
		if c.Status == contracts.ChallengePassed {
			sig.NightPassed++
		}
	}
	if sig.NightTotal == 0 {
		sig.Score = NeutralScore
		sig.Detail = "no night challenges resolved"
		return sig
	}
	sig.PassRate = float64(sig.NightPassed) / float64(sig.NightTotal)
	sig.Score = 100 * sig.PassRate
	sig.IsHumanLike = sig.Score < SignalMidpoint
	sig.Detail = fmt.Sprintf("passed %d of %d night challenges", sig.NightPassed, sig.NightTotal)
	return sig
}

func offlinePattern(sent []*contracts.Challenge) OfflineSignal {
	var sig OfflineSignal
	if len(sent) == 0 {
		sig.Score = NeutralScore
		sig.Detail = "no challenges sent"
		return sig
	}
	for _, c := range sent {
		if c.Status != contracts.ChallengeSkipped {
			continue
		}
		sig.Misses++
		if InSleepWindow(c.ScheduledFor.UTC().Hour()) {
			sig.MissesInSleep++
		}
	}
	if sig.Misses == 0 {
		sig.Score = 100
		sig.Detail = "no missed challenges"
		return sig
	}

	sig.SleepCorrelation = float64(sig.MissesInSleep) / float64(sig.Misses)
	severity := math.Min(1, float64(sig.Misses)/MissesForFullPenalty)
	sig.Score = 100 * (1 - sig.SleepCorrelation*severity)
	sig.IsHumanLike = sig.Score < SignalMidpoint
	sig.Detail = fmt.Sprintf("%d of %d missed challenges fell in the 22:00-08:00 sleep window",
		sig.MissesInSleep, sig.Misses)
	return sig
}

func overallUptime(sent []*contracts.Challenge) UptimeSignal {
	sig := UptimeSignal{Sent: len(sent)}
	if len(sent) == 0 {
		sig.Score = NeutralScore
		sig.Detail = "no challenges sent"
		return sig
	}
	for _, c := range sent {
		if c.Status == contracts.ChallengePassed || c.Status == contracts.ChallengeFailed {
			sig.Answered++
		}
	}
	sig.Ratio = float64(sig.Answered) / float64(sig.Sent)
	sig.Score = 100 * sig.Ratio
	sig.IsHumanLike = sig.Score < SignalMidpoint
	sig.Detail = fmt.Sprintf("answered %d of %d challenges", sig.Answered, sig.Sent)
	return sig
}

// InSleepWindow reports whether a UTC hour lies in the 22:00–08:00 window.
func InSleepWindow(hour int) bool {
	return hour >= SleepWindowStartHour || hour < SleepWindowEndHour
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
