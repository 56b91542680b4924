// Package confcheck lints configuration documents and DAG source trees for
// settings and import paths retired by the execution boundary redesign.
package confcheck

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const (
	coreSectionNameConstant              = "core"
	taskRunnerSettingNameConstant        = "task_runner"
	picklingSettingNameConstant          = "enable_xcom_pickling"
	taskRunnerGuidanceConstant           = "launch strategy selection is removed; tasks always run as local OS processes, delete the setting"
	picklingGuidanceConstant             = "cross-task values are always JSON; delete the setting and migrate archived rows with 'airflow db migrate-archive'"
	settingsDocumentErrorTemplate        = "configuration document unreadable: %w"
	settingFindingMessageTemplateConstant = "removed setting %s.%s: %s"
)

// SettingFinding reports one removed setting present in a configuration document.
type SettingFinding struct {
	Section  string
	Key      string
	Guidance string
}

// String renders the finding as a diagnostic line.
func (finding SettingFinding) String() string {
	return fmt.Sprintf(settingFindingMessageTemplateConstant, finding.Section, finding.Key, finding.Guidance)
}

// removedSettings maps section → key → guidance for settings the redesign retired.
var removedSettings = map[string]map[string]string{
	coreSectionNameConstant: {
		taskRunnerSettingNameConstant: taskRunnerGuidanceConstant,
		picklingSettingNameConstant:   picklingGuidanceConstant,
	},
}

// LintSettings decodes a raw YAML configuration document and reports every
// removed setting it still carries. The document is decoded without schema
// mapping so unknown keys stay visible.
func LintSettings(document []byte) ([]SettingFinding, error) {
	var decoded map[string]any
	if unmarshalError := yaml.Unmarshal(document, &decoded); unmarshalError != nil {
		return nil, fmt.Errorf(settingsDocumentErrorTemplate, unmarshalError)
	}

	var findings []SettingFinding
	for sectionName, removedKeys := range removedSettings {
		sectionValue, sectionPresent := decoded[sectionName]
		if !sectionPresent {
			continue
		}
		sectionMap, isMap := sectionValue.(map[string]any)
		if !isMap {
			continue
		}
		for keyName, guidance := range removedKeys {
			if _, keyPresent := sectionMap[keyName]; keyPresent {
				findings = append(findings, SettingFinding{
					Section:  sectionName,
					Key:      keyName,
					Guidance: guidance,
				})
			}
		}
	}
	return findings, nil
}
