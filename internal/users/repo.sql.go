package users

const getAccessRecord = `SELECT user_id, base_role_id, additional_permission_ids, migration_version, last_updated, version
FROM user_access_records
WHERE user_id = $1`

const updateAccessRecord = `UPDATE user_access_records
SET base_role_id = $2,
    additional_permission_ids = $3,
    migration_version = $4,
    last_updated = $5,
    version = version + 1
WHERE user_id = $1 AND version = $6
RETURNING version, last_updated`

const accessRecordExists = `SELECT EXISTS (SELECT 1 FROM user_access_records WHERE user_id = $1)`

const listAccessRecords = `SELECT user_id, base_role_id, additional_permission_ids, migration_version, last_updated, version
FROM user_access_records
WHERE user_id > $1
ORDER BY user_id
LIMIT $2`

const insertAccessRecord = `INSERT INTO user_access_records (user_id, base_role_id)
VALUES ($1, $2)
ON CONFLICT (user_id) DO NOTHING`

const upsertGeoAssignment = `INSERT INTO user_geo_assignments (user_id, home_province_id, home_branch_id, accessible_province_ids, accessible_branch_ids)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE
SET home_province_id = EXCLUDED.home_province_id,
    home_branch_id = EXCLUDED.home_branch_id,
    accessible_province_ids = EXCLUDED.accessible_province_ids,
    accessible_branch_ids = EXCLUDED.accessible_branch_ids`

const getGeoAssignment = `SELECT home_province_id, home_branch_id, accessible_province_ids, accessible_branch_ids
FROM user_geo_assignments
WHERE user_id = $1`
