package app

import (
	"context"

	"trade-control-plane/internal/events"
	"trade-control-plane/internal/oms/paper"
	"trade-control-plane/internal/resilience"

	"go.uber.org/zap"
)

func targetKey(group, target string) string {
	return group + "/" + target
}

// buildBrokers creates one failover group per configured OMS broker. Activating a target
// registers its adapter in the OMS under the group name, so routing never changes.
func (a *App) buildBrokers(ctx context.Context) error {
	a.targets = make(map[string]*paper.Broker)
	probeClient := resilience.NewProbeClient(a.cfg.Resilience.HealthTimeout)
	for _, group := range a.cfg.OMS.Brokers {
		targets := make([]resilience.FailoverTarget, 0, len(group.Targets))
		for _, tc := range group.Targets {
			broker := paper.New(tc.Name, paper.Config{
				StartingCash: tc.StartingCash,
				FeeBps:       tc.FeeBps,
				SlippageBps:  tc.SlippageBps,
			})
			a.targets[targetKey(group.Name, tc.Name)] = broker

			probe := resilience.BoolCheck(broker.Ping)
			if tc.ProbeURL != "" {
				probe = resilience.HTTPProbe(probeClient, tc.ProbeURL)
			}
			check := resilience.NewHealthCheck("broker:"+targetKey(group.Name, tc.Name), probe, a.cfg.Resilience.HealthTimeout, a.cfg.Resilience.HealthMaxFailures)
			if err := a.health.Register(check); err != nil {
				return err
			}
			groupName, targetName := group.Name, tc.Name
			targets = append(targets, resilience.FailoverTarget{
				Name: tc.Name,
				HealthCheck: func(ctx context.Context) bool {
					ctx, cancel := context.WithTimeout(ctx, a.cfg.Resilience.HealthTimeout)
					defer cancel()
					ok, err := probe(ctx)
					return ok && err == nil
				},
				Activate: func(ctx context.Context) error {
					a.oms.RegisterBroker(groupName, broker)
					a.log.Info("broker target active", zap.String("broker", groupName), zap.String("target", targetName))
					return nil
				},
				Deactivate: func(ctx context.Context) error {
					a.log.Info("broker target deactivated", zap.String("broker", groupName), zap.String("target", targetName))
					return nil
				},
			})
		}
		fo, err := resilience.NewFailoverManager(ctx, resilience.FailoverConfig{
			Name:          group.Name,
			CheckInterval: a.cfg.Resilience.FailoverInterval,
			MaxFailures:   a.cfg.Resilience.FailoverMaxFailures,
			StopTimeout:   a.cfg.Resilience.StopTimeout,
			OnFailover:    a.onFailover,
			OnExhausted:   a.onFailoverExhausted,
		}, targets, a.log)
		if err != nil {
			return err
		}
		a.failovers = append(a.failovers, fo)
	}
	return nil
}

func (a *App) failover(name string) (*resilience.FailoverManager, bool) {
	for _, fo := range a.failovers {
		if fo.Status().Name == name {
			return fo, true
		}
	}
	return nil, false
}

func (a *App) onFailover(group, from, to string) {
	a.metrics.Failovers.Inc()
	a.log.Warn("broker failover", zap.String("broker", group), zap.String("from", from), zap.String("to", to))
	a.events.Publish(events.SubjectFailover, map[string]string{"broker": group, "from": from, "to": to})
	a.notify(context.Background(), "broker "+group+" failed over from "+from+" to "+to)
}

func (a *App) onFailoverExhausted(group string, err error) {
	a.log.Error("broker failover exhausted", zap.String("broker", group), zap.Error(err))
	a.events.Publish(events.SubjectFailover, map[string]string{"broker": group, "error": err.Error()})
	a.notify(context.Background(), "broker "+group+": "+err.Error())
}
