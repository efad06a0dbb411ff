// Package webhooks exposes the inbound HTTP surface for lead capture: the
// public webform endpoint plus a health probe. Handlers decode and hand off;
// validation and routing live in core.
package webhooks
