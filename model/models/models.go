// Package models registriert alle verfuegbaren Netz-Architekturen
package models

import (
	_ "github.com/affinities/affinities/model/models/shiftlinear"
)
