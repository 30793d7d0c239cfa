// Package coordination lets replicas of the service see each other.
//
// Each instance heartbeats its identity and connection count into a shared
// Redis hash. Any instance can list the live peers, which is what a load
// balancing check needs to know how many replicas should be answering. One
// elected instance prunes entries left behind by replicas that died without
// deregistering.
package coordination
